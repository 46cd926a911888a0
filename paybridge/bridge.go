// Package paybridge exposes the payment terminal operations (connect, checkCard,
// cancelCheckCard, print) as thin calls into a native command dispatcher.
//
// The bridge owns no state and never invokes a continuation itself. Every call
// hands the continuations it was given to the dispatcher, which alone decides
// when (and which) one runs.
package paybridge

import "fmt"

// DefaultService is the service name the native side registers its commands under.
const DefaultService = "SunmiPay"

// Callback is a continuation invoked by a dispatcher with a success or failure payload.
type Callback func(payload any)

// Dispatcher is the native command capability the bridge forwards to.
// Exec must return without waiting for the command to complete and must invoke
// exactly one of success or failure, once, at some later point.
type Dispatcher interface {
	Exec(success, failure Callback, service, command string, args []any)
}

// DispatcherFunc adapts an ordinary function to the Dispatcher interface.
type DispatcherFunc func(success, failure Callback, service, command string, args []any)

// Exec calls f.
func (f DispatcherFunc) Exec(success, failure Callback, service, command string, args []any) {
	f(success, failure, service, command, args)
}

// Command is one of the operation names understood by the native dispatcher.
type Command string

const (
	CommandConnect         Command = "connect"
	CommandCheckCard       Command = "checkCard"
	CommandCancelCheckCard Command = "cancelCheckCard"
	CommandPrint           Command = "print"
)

// Commands returns every command the bridge exposes.
func Commands() []Command {
	return []Command{CommandConnect, CommandCheckCard, CommandCancelCheckCard, CommandPrint}
}

// ParseCommand maps a command name to a Command.
func ParseCommand(name string) (Command, error) {
	for _, c := range Commands() {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command: %q", name)
}

func (c Command) String() string {
	return string(c)
}

// Bridge forwards the terminal operations to a Dispatcher.
type Bridge struct {
	dispatcher Dispatcher
	service    string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithService overrides the service name sent with every command.
func WithService(name string) Option {
	return func(b *Bridge) {
		b.service = name
	}
}

// New creates a bridge over the given dispatcher.
func New(dispatcher Dispatcher, opts ...Option) *Bridge {
	b := &Bridge{
		dispatcher: dispatcher,
		service:    DefaultService,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Service returns the service name commands are addressed to.
func (b *Bridge) Service() string {
	return b.service
}

// Connect asks the native side to bind to the payment SDK.
func (b *Bridge) Connect(success, failure Callback) {
	b.exec(success, failure, CommandConnect, []any{})
}

// CheckCard starts native polling for a magnetic stripe, IC chip or NFC card.
func (b *Bridge) CheckCard(success, failure Callback) {
	b.exec(success, failure, CommandCheckCard, []any{})
}

// CancelCheckCard asks the native side to abort an in-flight CheckCard.
// Nothing links this call to the CheckCard it targets.
func (b *Bridge) CancelCheckCard(success, failure Callback) {
	b.exec(success, failure, CommandCancelCheckCard, []any{})
}

// Print sends content to the terminal printer. The content is passed through untouched.
func (b *Bridge) Print(content any, success, failure Callback) {
	b.exec(success, failure, CommandPrint, []any{content})
}

// Invoke forwards an arbitrary command. Args are passed through as given.
func (b *Bridge) Invoke(command Command, args []any, success, failure Callback) {
	if args == nil {
		args = []any{}
	}
	b.exec(success, failure, command, args)
}

func (b *Bridge) exec(success, failure Callback, command Command, args []any) {
	b.dispatcher.Exec(success, failure, b.service, string(command), args)
}

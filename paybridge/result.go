package paybridge

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of a single dispatched command.
type Result struct {
	Value any
	Err   error
}

// DispatchError carries a failure payload reported by the dispatcher.
// The payload is kept as delivered.
type DispatchError struct {
	Service string
	Command string
	Payload any
}

func (e *DispatchError) Error() string {
	if msg, ok := e.Payload.(string); ok {
		return fmt.Sprintf("%s.%s: %s", e.Service, e.Command, msg)
	}
	if err, ok := e.Payload.(error); ok {
		return fmt.Sprintf("%s.%s: %v", e.Service, e.Command, err)
	}
	return fmt.Sprintf("%s.%s failed: %v", e.Service, e.Command, e.Payload)
}

// Unwrap exposes the payload when the dispatcher failed with an error value.
func (e *DispatchError) Unwrap() error {
	err, _ := e.Payload.(error)
	return err
}

// promise turns a continuation pair into a single buffered result.
// Only the first continuation call is delivered.
type promise struct {
	once sync.Once
	ch   chan Result
}

func newPromise() *promise {
	return &promise{ch: make(chan Result, 1)}
}

func (p *promise) resolve(r Result) {
	p.once.Do(func() {
		p.ch <- r
		close(p.ch)
	})
}

func (b *Bridge) call(ctx context.Context, command Command, args []any) <-chan Result {
	p := newPromise()
	if err := ctx.Err(); err != nil {
		p.resolve(Result{Err: err})
		return p.ch
	}

	success := func(payload any) {
		p.resolve(Result{Value: payload})
	}
	failure := func(payload any) {
		p.resolve(Result{Err: &DispatchError{
			Service: b.service,
			Command: string(command),
			Payload: payload,
		}})
	}
	b.exec(success, failure, command, args)
	return p.ch
}

// ConnectResult is Connect with its outcome delivered on a channel.
func (b *Bridge) ConnectResult(ctx context.Context) <-chan Result {
	return b.call(ctx, CommandConnect, []any{})
}

// CheckCardResult is CheckCard with its outcome delivered on a channel.
func (b *Bridge) CheckCardResult(ctx context.Context) <-chan Result {
	return b.call(ctx, CommandCheckCard, []any{})
}

// CancelCheckCardResult is CancelCheckCard with its outcome delivered on a channel.
func (b *Bridge) CancelCheckCardResult(ctx context.Context) <-chan Result {
	return b.call(ctx, CommandCancelCheckCard, []any{})
}

// PrintResult is Print with its outcome delivered on a channel.
func (b *Bridge) PrintResult(ctx context.Context, content any) <-chan Result {
	return b.call(ctx, CommandPrint, []any{content})
}

// InvokeResult is Invoke with its outcome delivered on a channel.
func (b *Bridge) InvokeResult(ctx context.Context, command Command, args []any) <-chan Result {
	if args == nil {
		args = []any{}
	}
	return b.call(ctx, command, args)
}

// Await waits for one result or for ctx to end. A closed channel with no value
// yields an error.
func Await(ctx context.Context, ch <-chan Result) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("result channel closed")
		}
		return r.Value, r.Err
	}
}

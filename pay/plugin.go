package pay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"go.uber.org/zap"
)

// Config holds the plugin settings.
type Config struct {
	// Service is the dispatcher service name the plugin answers to.
	Service string

	// Vendor must appear in Kernel.Manufacturer() for connect to succeed.
	Vendor string

	// CardTypes is the mask passed to CardReader.CheckCard.
	CardTypes CardType

	// CheckTimeout bounds a single card check on the kernel side.
	CheckTimeout time.Duration

	// SettleDelay is waited between cancelling the previous check and starting a new one.
	// Zero selects the default; a negative value disables the wait.
	SettleDelay time.Duration
}

// DefaultConfig returns the settings the terminal firmware expects.
func DefaultConfig() Config {
	return Config{
		Service:      paybridge.DefaultService,
		Vendor:       "SUNMI",
		CardTypes:    CardTypeCombinedNFC,
		CheckTimeout: 60 * time.Second,
		SettleDelay:  50 * time.Millisecond,
	}
}

type action func(ctx context.Context, args []any, success, failure paybridge.Callback)

// Plugin is the native command dispatcher for the payment terminal.
// It implements paybridge.Dispatcher.
type Plugin struct {
	kernel  Kernel
	printer Printer
	config  Config
	logger  *zap.Logger
	actions map[string]action

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectMu sync.Mutex // serialises connect so Init runs once
	checkMu   sync.Mutex // serialises starting and cancelling card checks

	mu          sync.Mutex
	initialized bool
	connected   bool
	reader      CardReader
	activeCheck *cardListener
	lastCard    *protocol.CardResult
	destroyed   bool
	statusHook  func(protocol.StatusPayload)
}

// NewPlugin creates a plugin over kernel. printer may be nil.
func NewPlugin(kernel Kernel, printer Printer, config Config, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.Service == "" {
		config.Service = defaults.Service
	}
	if config.Vendor == "" {
		config.Vendor = defaults.Vendor
	}
	if config.CardTypes == 0 {
		config.CardTypes = defaults.CardTypes
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = defaults.SettleDelay
	}
	if config.SettleDelay < 0 {
		config.SettleDelay = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Plugin{
		kernel:  kernel,
		printer: printer,
		config:  config,
		logger:  logger.Named("plugin"),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.actions = map[string]action{
		string(paybridge.CommandConnect):         p.connect,
		string(paybridge.CommandCheckCard):       p.checkCard,
		string(paybridge.CommandCancelCheckCard): p.cancelCheckCard,
		string(paybridge.CommandPrint):           p.print,
	}
	return p
}

// Service returns the service name the plugin answers to.
func (p *Plugin) Service() string {
	return p.config.Service
}

// Exec implements paybridge.Dispatcher. The action runs on its own goroutine.
func (p *Plugin) Exec(success, failure paybridge.Callback, service, command string, args []any) {
	if service != p.config.Service {
		p.logger.Warn("invalid service", zap.String("service", service), zap.String("command", command))
		go call(failure, "Invalid service: "+service)
		return
	}

	act, ok := p.actions[command]
	if !ok {
		p.logger.Warn("invalid action", zap.String("command", command))
		go call(failure, "Invalid action: "+command)
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		go call(failure, ErrPluginClosed.Error())
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		act(p.ctx, args, success, failure)
	}()
}

// Status reports the current connection and check state.
func (p *Plugin) Status() protocol.StatusPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.StatusPayload{
		Connected:   p.connected && p.reader != nil,
		CheckActive: p.activeCheck != nil && !p.activeCheck.done(),
		Vendor:      p.kernel.Manufacturer(),
		LastCard:    p.lastCard,
	}
}

// OnStatus registers fn to receive the plugin status after every change.
// fn runs on the goroutine that caused the change and must not block.
func (p *Plugin) OnStatus(fn func(protocol.StatusPayload)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusHook = fn
}

func (p *Plugin) notify() {
	p.mu.Lock()
	fn := p.statusHook
	p.mu.Unlock()
	if fn != nil {
		fn(p.Status())
	}
}

// LastCard returns the last card reported by a successful check, or nil.
func (p *Plugin) LastCard() *protocol.CardResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCard
}

func (p *Plugin) connect(ctx context.Context, _ []any, success, failure paybridge.Callback) {
	manufacturer := p.kernel.Manufacturer()
	if !strings.Contains(strings.ToUpper(manufacturer), strings.ToUpper(p.config.Vendor)) {
		p.logger.Warn("connect refused", zap.String("manufacturer", manufacturer))
		call(failure, ErrNotVendor.Error())
		return
	}

	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()

	if initialized {
		reader := p.kernel.ReadCard()
		p.setConnection(reader != nil, reader)
		p.notify()
		if reader == nil {
			call(failure, ErrReaderMissing.Error())
			return
		}
		call(success, "Already Connected")
		return
	}

	if err := p.kernel.Init(ctx, p.onDisconnect); err != nil {
		p.logger.Error("kernel init failed", zap.Error(err))
		call(failure, "Connection Failed: "+err.Error())
		return
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()

	reader := p.kernel.ReadCard()
	p.setConnection(reader != nil, reader)
	p.notify()
	if reader == nil {
		call(failure, ErrReaderMissing.Error())
		return
	}

	p.logger.Info("payment SDK connected", zap.String("manufacturer", manufacturer))
	call(success, "Connected")
}

func (p *Plugin) setConnection(connected bool, reader CardReader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
	p.reader = reader
}

func (p *Plugin) onDisconnect() {
	p.logger.Warn("payment SDK disconnected")
	p.mu.Lock()
	active := p.activeCheck
	p.activeCheck = nil
	p.connected = false
	p.reader = nil
	p.mu.Unlock()

	if active != nil {
		active.sendError(ErrNotConnected.Error())
	}
	p.notify()
}

func (p *Plugin) currentReader() (CardReader, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || p.reader == nil {
		return nil, false
	}
	return p.reader, true
}

func (p *Plugin) checkCard(ctx context.Context, _ []any, success, failure paybridge.Callback) {
	reader, ok := p.currentReader()
	if !ok {
		call(failure, ErrNotConnected.Error())
		return
	}

	// Starting a check while one is running makes the kernel answer -20001,
	// so the previous one is always cancelled first. The whole sequence runs
	// under checkMu so overlapping calls cannot both find the reader idle.
	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	p.resolveActive(ErrCheckCancelled.Error())
	if err := reader.CancelCheckCard(); err != nil {
		call(failure, "Remote Exception: "+err.Error())
		return
	}

	if p.config.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			call(failure, ErrPluginClosed.Error())
			return
		case <-time.After(p.config.SettleDelay):
		}
	}

	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		call(failure, ErrPluginClosed.Error())
		return
	}

	listener := newCardListener(success, failure, p.logger, p.settle)

	p.mu.Lock()
	p.activeCheck = listener
	p.mu.Unlock()

	p.logger.Debug("starting checkCard", zap.Int("cardTypes", int(p.config.CardTypes)))
	if err := reader.CheckCard(p.config.CardTypes, listener, p.config.CheckTimeout); err != nil {
		p.clearActive(listener)
		listener.sendError("Remote Exception: " + err.Error())
		return
	}
	p.notify()
}

// settle records the outcome of a check and publishes the new status.
func (p *Plugin) settle(result *protocol.CardResult) {
	if result != nil {
		p.mu.Lock()
		p.lastCard = result
		p.mu.Unlock()
	}
	p.notify()
}

func (p *Plugin) clearActive(l *cardListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeCheck == l {
		p.activeCheck = nil
	}
}

// resolveActive fails the in-flight check, if any, with message.
func (p *Plugin) resolveActive(message string) {
	p.mu.Lock()
	active := p.activeCheck
	p.activeCheck = nil
	p.mu.Unlock()

	if active != nil {
		active.sendError(message)
	}
}

func (p *Plugin) cancelCheckCard(_ context.Context, _ []any, success, _ paybridge.Callback) {
	p.cancelCheckCardInternal()
	call(success, nil)
}

func (p *Plugin) cancelCheckCardInternal() {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	reader, ok := p.currentReader()
	if !ok {
		return
	}
	p.resolveActive(ErrCheckCancelled.Error())
	if err := reader.CancelCheckCard(); err != nil {
		p.logger.Error("error cancelling check card", zap.Error(err))
	}
}

func (p *Plugin) print(ctx context.Context, args []any, success, failure paybridge.Callback) {
	if len(args) == 0 {
		call(failure, ErrMissingContent.Error())
		return
	}
	if p.printer == nil {
		call(failure, ErrNoPrinter.Error())
		return
	}

	if err := p.printer.Print(ctx, args[0]); err != nil {
		p.logger.Error("print failed", zap.Error(err))
		call(failure, "Print Failed: "+err.Error())
		return
	}
	call(success, "Printed")
}

// OnPause releases the card reader for other applications.
func (p *Plugin) OnPause() {
	p.logger.Debug("paused, cancelling card check")
	p.cancelCheckCardInternal()
}

// OnResume reports the connection state. Rebinding is left to the caller.
func (p *Plugin) OnResume() {
	status := p.Status()
	p.logger.Debug("resumed", zap.Bool("connected", status.Connected))
}

// OnDestroy cancels running commands, waits for them and releases the kernel.
func (p *Plugin) OnDestroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	initialized := p.initialized
	p.mu.Unlock()

	p.cancelCheckCardInternal()
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.connected = false
	p.reader = nil
	p.mu.Unlock()

	if !initialized {
		return nil
	}
	if err := p.kernel.Destroy(); err != nil {
		return fmt.Errorf("destroy kernel: %w", err)
	}
	p.logger.Info("payment SDK destroyed")
	return nil
}

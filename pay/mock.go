package pay

import (
	"context"
	"sync"
	"time"
)

// MockKernel is a Kernel for testing and for running the agent without hardware.
type MockKernel struct {
	ManufacturerName string
	InitErr          error
	DestroyErr       error
	Reader           *MockCardReader

	mu           sync.Mutex
	initCalls    int
	destroyCalls int
	onDisconnect func()
}

// NewMockKernel creates a mock kernel reporting a Sunmi manufacturer with a mock reader.
func NewMockKernel() *MockKernel {
	return &MockKernel{
		ManufacturerName: "SUNMI",
		Reader:           NewMockCardReader(),
	}
}

func (k *MockKernel) Manufacturer() string {
	return k.ManufacturerName
}

func (k *MockKernel) Init(ctx context.Context, onDisconnect func()) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.initCalls++
	if k.InitErr != nil {
		return k.InitErr
	}
	k.onDisconnect = onDisconnect
	return ctx.Err()
}

func (k *MockKernel) ReadCard() CardReader {
	if k.Reader == nil {
		return nil
	}
	return k.Reader
}

func (k *MockKernel) Destroy() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.destroyCalls++
	return k.DestroyErr
}

// Disconnect simulates the SDK dropping the binding.
func (k *MockKernel) Disconnect() {
	k.mu.Lock()
	cb := k.onDisconnect
	k.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// InitCalls returns how many times Init was called.
func (k *MockKernel) InitCalls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initCalls
}

// DestroyCalls returns how many times Destroy was called.
func (k *MockKernel) DestroyCalls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.destroyCalls
}

// MockCardReader is a CardReader whose events are driven by the test.
// When AutoCardUID is set, every check reports that card after AutoDelay.
type MockCardReader struct {
	CheckErr    error
	CancelErr   error
	AutoCardUID string
	AutoDelay   time.Duration

	mu        sync.Mutex
	listener  CheckCardListener
	cardTypes CardType
	timeout   time.Duration
	ops       []string
	stopAuto  chan struct{}
	checked   chan struct{}
}

// NewMockCardReader creates an idle mock reader.
func NewMockCardReader() *MockCardReader {
	return &MockCardReader{checked: make(chan struct{}, 16)}
}

func (r *MockCardReader) CheckCard(cardTypes CardType, listener CheckCardListener, timeout time.Duration) error {
	r.mu.Lock()
	r.ops = append(r.ops, "check")
	if r.CheckErr != nil {
		r.mu.Unlock()
		return r.CheckErr
	}
	r.listener = listener
	r.cardTypes = cardTypes
	r.timeout = timeout

	if r.AutoCardUID != "" {
		stop := make(chan struct{})
		r.stopAuto = stop
		uid, delay := r.AutoCardUID, r.AutoDelay
		go func() {
			select {
			case <-stop:
			case <-time.After(delay):
				listener.FindRFCard(uid, nil)
			}
		}()
	}
	r.mu.Unlock()

	select {
	case r.checked <- struct{}{}:
	default:
	}
	return nil
}

func (r *MockCardReader) CancelCheckCard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "cancel")
	if r.stopAuto != nil {
		close(r.stopAuto)
		r.stopAuto = nil
	}
	return r.CancelErr
}

// WaitForCheck blocks until CheckCard is called or timeout passes.
func (r *MockCardReader) WaitForCheck(timeout time.Duration) bool {
	select {
	case <-r.checked:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Listener returns the listener of the last started check.
func (r *MockCardReader) Listener() CheckCardListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener
}

// CardTypes returns the mask passed to the last check.
func (r *MockCardReader) CardTypes() CardType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cardTypes
}

// Timeout returns the timeout passed to the last check.
func (r *MockCardReader) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Ops returns the sequence of "check" and "cancel" calls seen so far.
func (r *MockCardReader) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

// MockPrinter records printed content.
type MockPrinter struct {
	Err error

	mu       sync.Mutex
	contents []any
}

func (p *MockPrinter) Print(_ context.Context, content any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.contents = append(p.contents, content)
	return nil
}

// Printed returns everything printed so far.
func (p *MockPrinter) Printed() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.contents))
	copy(out, p.contents)
	return out
}

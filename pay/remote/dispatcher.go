// Package remote forwards dispatcher calls to a pay agent over its WebSocket endpoint.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed fails every call pending when the link goes away.
var ErrClosed = errors.New("dispatcher closed")

// Config holds the remote dispatcher settings.
type Config struct {
	// URL is the agent WebSocket endpoint, e.g. ws://127.0.0.1:18080/ws.
	URL string

	// APISecret is sent as the "secret" query parameter when set.
	APISecret string

	// DialTries bounds the connection attempts made by Dial.
	DialTries uint

	// HandshakeTimeout bounds a single connection attempt.
	HandshakeTimeout time.Duration
}

const (
	defaultDialTries        = 5
	defaultHandshakeTimeout = 5 * time.Second
)

type pendingCall struct {
	success paybridge.Callback
	failure paybridge.Callback
}

// Dispatcher is a paybridge.Dispatcher backed by a remote agent.
// The link is not re-established once lost.
type Dispatcher struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingCall
	closed  bool
	err     error

	done chan struct{}
}

// Dial connects to the agent, retrying with exponential backoff up to
// config.DialTries times. Authentication failures and a busy session are not retried.
func Dial(ctx context.Context, config Config, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("remote")

	if config.DialTries == 0 {
		config.DialTries = defaultDialTries
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}

	target, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid agent URL: %w", err)
	}
	host := target.Host
	if config.APISecret != "" {
		q := target.Query()
		q.Set("secret", config.APISecret)
		target.RawQuery = q.Encode()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}

	attempt := 0
	operation := func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusConflict:
				return nil, backoff.Permanent(fmt.Errorf("agent %s refused connection: %s", host, resp.Status))
			}
		}
		logger.Warn("dial failed", zap.String("host", host), zap.Int("attempt", attempt), zap.Error(err))
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(config.DialTries))
	if err != nil {
		return nil, fmt.Errorf("connect to agent %s: %w", host, err)
	}

	logger.Info("connected to agent", zap.String("host", host), zap.Int("attempts", attempt))
	return newDispatcher(conn, logger), nil
}

func newDispatcher(conn *websocket.Conn, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]pendingCall),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// Exec sends the call to the agent and returns immediately. Continuations run
// on the dispatcher's read goroutine and must not block.
func (d *Dispatcher) Exec(success, failure paybridge.Callback, service, command string, args []any) {
	if args == nil {
		args = []any{}
	}
	id := uuid.NewString()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go call(failure, ErrClosed.Error())
		return
	}
	d.pending[id] = pendingCall{success: success, failure: failure}
	d.mu.Unlock()

	msg := protocol.WebSocketMessage{
		ID:   id,
		Type: protocol.WSTypeExec,
		Payload: protocol.ExecPayload{
			Service: service,
			Action:  command,
			Args:    args,
		},
	}

	go func() {
		if err := d.write(msg); err != nil {
			d.logger.Error("send failed", zap.String("id", id), zap.Error(err))
			if pc, ok := d.take(id); ok {
				call(pc.failure, "Send Failed: "+err.Error())
			}
		}
	}()
}

func (d *Dispatcher) write(v any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteJSON(v)
}

func (d *Dispatcher) take(id string) (pendingCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return pc, ok
}

// Pending returns the number of calls waiting for an answer.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) readLoop() {
	for {
		var resp protocol.WebSocketResponse
		if err := d.conn.ReadJSON(&resp); err != nil {
			d.shutdown(err)
			return
		}

		switch resp.Type {
		case protocol.ResultType(protocol.WSTypeExec):
			pc, ok := d.take(resp.ID)
			if !ok {
				d.logger.Warn("result for unknown call", zap.String("id", resp.ID))
				continue
			}
			if resp.Success {
				call(pc.success, resp.Payload)
			} else {
				call(pc.failure, resp.Error)
			}
		case protocol.WSTypeError:
			// Request level rejections such as rate limiting.
			if pc, ok := d.take(resp.ID); ok {
				call(pc.failure, resp.Error)
				continue
			}
			d.logger.Warn("agent error", zap.Any("error", resp.Error), zap.Any("payload", resp.Payload))
		default:
			d.logger.Debug("agent message", zap.String("type", resp.Type))
		}
	}
}

// shutdown marks the dispatcher closed and fails everything still pending.
func (d *Dispatcher) shutdown(cause error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.err = cause
	pending := d.pending
	d.pending = make(map[string]pendingCall)
	d.mu.Unlock()

	d.conn.Close()
	close(d.done)

	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		d.logger.Warn("agent link lost", zap.Error(cause), zap.Int("pending", len(pending)))
	}
	for _, pc := range pending {
		call(pc.failure, ErrClosed.Error())
	}
}

// Done is closed once the link is gone.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns why the link went away, or nil while it is up or after Close.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close says goodbye to the agent and fails every pending call.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil
	}

	d.writeMu.Lock()
	err := d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	d.writeMu.Unlock()

	d.shutdown(nil)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close agent link: %w", err)
	}
	return nil
}

func call(cb paybridge.Callback, payload any) {
	if cb != nil {
		cb(payload)
	}
}

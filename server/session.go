package server

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidSecret is returned by Acquire when the API secret does not match.
	ErrInvalidSecret = errors.New("invalid API secret")
	// ErrSessionClaimed is returned by Acquire while another client holds the session.
	ErrSessionClaimed = errors.New("session already claimed by another client")
)

// SessionManager hands out the single client session, first come first served.
// An idle session expires after the timeout; zero disables expiry.
type SessionManager struct {
	token     string
	origin    string // Bound origin for the session
	ip        string // Bound remote address for the session
	apiSecret string // Optional API secret for handshake
	timeout   time.Duration
	timer     *time.Timer
	onExpire  func(token string)
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewSessionManager creates a new session manager.
func NewSessionManager(apiSecret string, timeout time.Duration, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		apiSecret: apiSecret,
		timeout:   timeout,
		logger:    logger.Named("session"),
	}
}

// OnExpire registers fn to run after a session times out.
func (m *SessionManager) OnExpire(fn func(token string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Acquire claims the session for the caller. origin and remoteAddr bind the
// session for later validation.
func (m *SessionManager) Acquire(secret string, origin string, remoteAddr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.apiSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(m.apiSecret)) != 1 {
		return "", ErrInvalidSecret
	}
	if m.token != "" {
		return "", ErrSessionClaimed
	}

	token := uuid.NewString()
	m.token = token
	m.origin = origin
	m.ip = remoteAddr

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.timeout > 0 {
		m.timer = time.AfterFunc(m.timeout, func() { m.expire(token) })
	}

	m.logger.Info("session acquired", zap.String("token", token[:8]+"..."), zap.String("origin", origin), zap.String("ip", remoteAddr))
	return token, nil
}

func (m *SessionManager) expire(token string) {
	m.mu.RLock()
	fn := m.onExpire
	m.mu.RUnlock()

	if !m.Release(token) {
		return
	}
	m.logger.Info("session timeout, token released")
	if fn != nil {
		fn(token)
	}
}

// Validate checks token against the current session and its bindings.
func (m *SessionManager) Validate(token string, origin string, remoteAddr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == "" || m.token != token {
		return false
	}
	if m.origin != "" && origin != m.origin {
		m.logger.Warn("session validation failed: origin mismatch", zap.String("expected", m.origin), zap.String("got", origin))
		return false
	}
	if m.ip != "" && remoteAddr != m.ip {
		m.logger.Warn("session validation failed: address mismatch", zap.String("expected", m.ip), zap.String("got", remoteAddr))
		return false
	}
	return true
}

// Active reports whether a session is held.
func (m *SessionManager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != ""
}

// Release ends the session identified by token. It reports whether it was current.
func (m *SessionManager) Release(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" || m.token != token {
		return false
	}
	m.logger.Info("session released", zap.String("token", m.token[:8]+"..."))
	m.token = ""
	m.origin = ""
	m.ip = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return true
}

// RefreshTimeout restarts the idle timer of the current session.
func (m *SessionManager) RefreshTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}

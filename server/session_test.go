package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	manager := NewSessionManager("", 60*time.Second, nil)

	token, err := manager.Acquire("", "http://localhost:3000", "127.0.0.1:12345")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, manager.Active())

	_, err = manager.Acquire("", "http://localhost:3001", "127.0.0.1:12346")
	assert.ErrorIs(t, err, ErrSessionClaimed)

	assert.True(t, manager.Release(token))
	token2, err := manager.Acquire("", "http://localhost:3002", "127.0.0.1:12347")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestAcquireWithAPISecret(t *testing.T) {
	manager := NewSessionManager("test-secret", 60*time.Second, nil)

	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{"Valid secret", "test-secret", nil},
		{"Invalid secret", "wrong-secret", ErrInvalidSecret},
		{"No secret", "", ErrInvalidSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := manager.Acquire(tt.secret, "http://localhost:3000", "127.0.0.1:12345")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, token)
				return
			}
			require.NoError(t, err)
			manager.Release(token)
		})
	}
}

func TestValidate(t *testing.T) {
	manager := NewSessionManager("", 60*time.Second, nil)

	origin := "http://localhost:3000"
	ip := "127.0.0.1:12345"

	token, err := manager.Acquire("", origin, ip)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		origin   string
		ip       string
		expected bool
	}{
		{"Valid token and binding", token, origin, ip, true},
		{"Invalid token", "wrong-token", origin, ip, false},
		{"Wrong origin", token, "http://evil.com", ip, false},
		{"Wrong IP", token, origin, "192.168.1.1:8080", false},
		{"Empty token", "", origin, ip, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, manager.Validate(tt.token, tt.origin, tt.ip))
		})
	}
}

func TestReleaseOnlyCurrent(t *testing.T) {
	manager := NewSessionManager("", 60*time.Second, nil)

	token, err := manager.Acquire("", "", "127.0.0.1:1")
	require.NoError(t, err)

	assert.False(t, manager.Release("stale-token"))
	assert.True(t, manager.Active())

	assert.True(t, manager.Release(token))
	assert.False(t, manager.Release(token))
	assert.False(t, manager.Validate(token, "", "127.0.0.1:1"))
}

func TestRefreshTimeout(t *testing.T) {
	manager := NewSessionManager("", 100*time.Millisecond, nil)

	token, err := manager.Acquire("", "http://localhost:3000", "127.0.0.1:12345")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	manager.RefreshTimeout()
	time.Sleep(50 * time.Millisecond)

	assert.True(t, manager.Validate(token, "http://localhost:3000", "127.0.0.1:12345"), "session should survive a refresh")

	time.Sleep(100 * time.Millisecond)
	assert.False(t, manager.Validate(token, "http://localhost:3000", "127.0.0.1:12345"), "session should expire")
}

func TestSessionTimeout(t *testing.T) {
	manager := NewSessionManager("", 50*time.Millisecond, nil)
	expired := make(chan string, 1)
	manager.OnExpire(func(token string) { expired <- token })

	token, err := manager.Acquire("", "http://localhost:3000", "127.0.0.1:12345")
	require.NoError(t, err)

	select {
	case got := <-expired:
		assert.Equal(t, token, got)
	case <-time.After(time.Second):
		t.Fatal("session never expired")
	}

	_, err = manager.Acquire("", "http://localhost:3001", "127.0.0.1:12346")
	assert.NoError(t, err)
}

func TestNoTimeout(t *testing.T) {
	manager := NewSessionManager("", 0, nil)

	token, err := manager.Acquire("", "", "")
	require.NoError(t, err)
	manager.RefreshTimeout()
	assert.True(t, manager.Validate(token, "", ""))
}

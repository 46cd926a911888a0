package server

import (
	"sync"

	"github.com/dotside-studios/davi-pay-agent/protocol"
)

// StatusBridge carries plugin status changes to the server's broadcast loop.
// The channel is buffered and sends never block the plugin.
type StatusBridge struct {
	// DeviceStatus flows from the plugin to the broadcaster
	DeviceStatus chan protocol.StatusPayload

	done      chan struct{}
	closeOnce sync.Once
}

// NewStatusBridge creates a bridge with a buffered channel.
func NewStatusBridge() *StatusBridge {
	return &StatusBridge{
		DeviceStatus: make(chan protocol.StatusPayload, 10),
		done:         make(chan struct{}),
	}
}

// Close signals the bridge to stop. DeviceStatus is left open so a
// concurrent send cannot panic; receivers select on Done.
func (b *StatusBridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Done returns a channel that's closed when the bridge is shutting down.
func (b *StatusBridge) Done() <-chan struct{} {
	return b.done
}

// SendDeviceStatus queues a status update.
// Returns false if the bridge is closed or the channel is full.
func (b *StatusBridge) SendDeviceStatus(status protocol.StatusPayload) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.DeviceStatus <- status:
		return true
	default:
		// Channel full, drop the update
		return false
	}
}

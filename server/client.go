package server

import (
	"sync"
	"time"

	"github.com/dotside-studios/davi-pay-agent/metrics"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// Client is one WebSocket connection. Writes from concurrent handlers and
// continuations are serialised.
type Client struct {
	ID string

	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.Logger

	writeMu sync.Mutex
}

// newClient wraps conn. A nil limiter lets every request through.
func newClient(conn *websocket.Conn, limiter *rate.Limiter, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:      id,
		conn:    conn,
		limiter: limiter,
		logger:  logger.With(zap.String("client", id[:8])),
	}
}

// Send writes v as a JSON text frame.
func (c *Client) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Reply answers req with a successful "<type>Result".
func (c *Client) Reply(req protocol.WebSocketRequest, payload any) error {
	return c.Send(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    protocol.ResultType(req.Type),
		Success: true,
		Payload: payload,
	})
}

// Fail answers req with a failed "<type>Result" carrying errPayload.
func (c *Client) Fail(req protocol.WebSocketRequest, errPayload any) error {
	return c.Send(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    protocol.ResultType(req.Type),
		Success: false,
		Error:   errPayload,
	})
}

// SendError sends a request level error that no handler answered.
func (c *Client) SendError(requestID, code, message string) {
	err := c.Send(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Payload: map[string]any{"code": code},
	})
	if err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ClientManager tracks connected clients for broadcasting.
type ClientManager struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex
	metrics *metrics.AppMetrics
	logger  *zap.Logger
}

// NewClientManager creates an empty manager. m may be nil.
func NewClientManager(m *metrics.AppMetrics, logger *zap.Logger) *ClientManager {
	return &ClientManager{
		clients: make(map[*Client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Register adds a new client connection.
func (cm *ClientManager) Register(c *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.clients[c]; ok {
		return
	}
	cm.clients[c] = struct{}{}
	cm.metrics.ClientConnected(1)
}

// Unregister removes a client connection.
func (cm *ClientManager) Unregister(c *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.clients[c]; !ok {
		return
	}
	delete(cm.clients, c)
	cm.metrics.ClientConnected(-1)
}

// Count returns the number of connected clients.
func (cm *ClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// CloseAll closes all client connections.
func (cm *ClientManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for c := range cm.clients {
		c.Close()
		delete(cm.clients, c)
		cm.metrics.ClientConnected(-1)
	}
}

// Broadcast sends message to every client. Clients that cannot be written to are dropped.
func (cm *ClientManager) Broadcast(message protocol.WebSocketMessage) {
	cm.mu.RLock()
	targets := make([]*Client, 0, len(cm.clients))
	for c := range cm.clients {
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(message); err != nil {
			cm.logger.Warn("WebSocket write error", zap.String("client", c.ID), zap.Error(err))
			c.Close()
			cm.Unregister(c)
		}
	}
}

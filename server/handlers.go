package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"go.uber.org/zap"
)

// LocalPlugin is the in-process plugin behind the dispatcher. It is paused
// when the session client leaves and resumed when the next one connects.
type LocalPlugin interface {
	Status() protocol.StatusPayload
	OnPause()
	OnResume()
}

// PayHandler exposes the payment bridge operations to WebSocket clients.
type PayHandler struct {
	bridge     *paybridge.Bridge
	dispatcher paybridge.Dispatcher
	plugin     LocalPlugin
	events     *StatusBridge
	logger     *zap.Logger
}

// NewPayHandler creates the handler. bridge carries the four terminal
// commands and dispatcher serves raw exec calls. plugin and events may be nil
// when no local plugin backs the dispatcher.
func NewPayHandler(bridge *paybridge.Bridge, dispatcher paybridge.Dispatcher, plugin LocalPlugin, events *StatusBridge, logger *zap.Logger) *PayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayHandler{
		bridge:     bridge,
		dispatcher: dispatcher,
		plugin:     plugin,
		events:     events,
		logger:     logger.Named("pay"),
	}
}

// Register implements ServerHandler.
func (h *PayHandler) Register(server HandlerServer) error {
	routes := map[string]HandlerFunc{
		protocol.WSTypeConnect:         h.handleConnect,
		protocol.WSTypeCheckCard:       h.handleCheckCard,
		protocol.WSTypeCancelCheckCard: h.handleCancelCheckCard,
		protocol.WSTypePrint:           h.handlePrint,
		protocol.WSTypeExec:            h.handleExec,
		protocol.WSTypeStatus:          h.handleStatus,
	}
	for messageType, handler := range routes {
		if err := server.Handle(messageType, handler); err != nil {
			return err
		}
	}

	if h.events != nil {
		server.StartLifecycle(func(ctx context.Context) {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-h.events.Done():
						return
					case status := <-h.events.DeviceStatus:
						server.Broadcast(protocol.WebSocketMessage{
							Type:    protocol.WSTypeDeviceStatus,
							Payload: status,
						})
					}
				}
			}()
		})
	}
	return nil
}

// Greet resumes the plugin and sends its status to a client that just connected.
func (h *PayHandler) Greet(client *Client) {
	if h.plugin == nil {
		return
	}
	h.plugin.OnResume()
	err := client.Send(protocol.WebSocketMessage{
		Type:    protocol.WSTypeDeviceStatus,
		Payload: h.plugin.Status(),
	})
	if err != nil {
		h.logger.Warn("failed to send initial status", zap.Error(err))
	}
}

// Leave pauses the plugin once the session client is gone, releasing the
// card reader.
func (h *PayHandler) Leave(*Client) {
	if h.plugin == nil {
		return
	}
	h.plugin.OnPause()
}

// continuations answers req on client with the dispatcher's outcome.
func (h *PayHandler) continuations(client *Client, req protocol.WebSocketRequest) (success, failure paybridge.Callback) {
	success = func(payload any) {
		if err := client.Reply(req, payload); err != nil {
			h.logger.Warn("failed to send result", zap.String("type", req.Type), zap.String("id", req.ID), zap.Error(err))
		}
	}
	failure = func(payload any) {
		h.logger.Debug("command failed", zap.String("type", req.Type), zap.Any("error", payload))
		if err := client.Fail(req, payload); err != nil {
			h.logger.Warn("failed to send result", zap.String("type", req.Type), zap.String("id", req.ID), zap.Error(err))
		}
	}
	return success, failure
}

func (h *PayHandler) handleConnect(_ context.Context, client *Client, req protocol.WebSocketRequest) error {
	h.bridge.Connect(h.continuations(client, req))
	return nil
}

func (h *PayHandler) handleCheckCard(_ context.Context, client *Client, req protocol.WebSocketRequest) error {
	h.bridge.CheckCard(h.continuations(client, req))
	return nil
}

func (h *PayHandler) handleCancelCheckCard(_ context.Context, client *Client, req protocol.WebSocketRequest) error {
	h.bridge.CancelCheckCard(h.continuations(client, req))
	return nil
}

func (h *PayHandler) handlePrint(_ context.Context, client *Client, req protocol.WebSocketRequest) error {
	var body protocol.PrintPayload
	if err := decodePayload(req.Payload, &body); err != nil {
		client.SendError(req.ID, protocol.ErrCodeInvalidRequest, "Invalid print payload")
		return err
	}
	if body.Content == nil {
		client.SendError(req.ID, protocol.ErrCodeInvalidRequest, "Missing print content")
		return errors.New("print request without content")
	}
	success, failure := h.continuations(client, req)
	h.bridge.Print(body.Content, success, failure)
	return nil
}

func (h *PayHandler) handleExec(_ context.Context, client *Client, req protocol.WebSocketRequest) error {
	var exec protocol.ExecPayload
	if err := decodePayload(req.Payload, &exec); err != nil {
		client.SendError(req.ID, protocol.ErrCodeInvalidRequest, "Invalid exec payload")
		return err
	}
	if exec.Service == "" || exec.Action == "" {
		client.SendError(req.ID, protocol.ErrCodeInvalidRequest, "exec requires service and action")
		return errors.New("exec request without service or action")
	}
	if exec.Args == nil {
		exec.Args = []any{}
	}

	success, failure := h.continuations(client, req)
	h.dispatcher.Exec(success, failure, exec.Service, exec.Action, exec.Args)
	return nil
}

func (h *PayHandler) handleStatus(_ context.Context, client *Client, req protocol.WebSocketRequest) error {
	if h.plugin == nil {
		return client.Fail(req, "Status not available")
	}
	return client.Reply(req, h.plugin.Status())
}

// decodePayload converts a generic request payload into a typed struct.
func decodePayload(payload map[string]any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

package protocol

// WebSocket message type constants
const (
	WSTypeConnect         = "connect"
	WSTypeCheckCard       = "checkCard"
	WSTypeCancelCheckCard = "cancelCheckCard"
	WSTypePrint           = "print"
	WSTypeExec            = "exec"
	WSTypeStatus          = "status"
	WSTypeDeviceStatus    = "deviceStatus"
	WSTypeError           = "error"
)

// ResultType returns the response type for a request type, e.g. "checkCardResult".
func ResultType(requestType string) string {
	return requestType + "Result"
}

// WebSocketMessage is the generic message envelope for server pushed messages.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is for incoming requests from WebSocket clients.
type WebSocketRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   any    `json:"error,omitempty"`
}

// Package protocol provides the wire types spoken between the pay agent and its clients.
// This package is designed to be importable without pulling in server dependencies.
package protocol

import "encoding/json"

// ExecPayload is the payload of an "exec" request: a raw dispatcher call.
type ExecPayload struct {
	Service string `json:"service"`
	Action  string `json:"action"`
	Args    []any  `json:"args"`
}

// PrintPayload is the payload of a "print" request.
type PrintPayload struct {
	Content any `json:"content"`
}

// CardResult is the success payload of a checkCard command.
type CardResult struct {
	Type  string         `json:"type"` // "NFC", "MAG" or "IC"
	UUID  string         `json:"uuid,omitempty"`
	ATR   string         `json:"atr,omitempty"`
	Track map[string]any `json:"track,omitempty"`
	Error string         `json:"error,omitempty"`
	Code  int            `json:"code,omitempty"`
}

// MarshalJSON always writes "uuid" for a contactless card read, even when the
// reader reported no identifier.
func (c CardResult) MarshalJSON() ([]byte, error) {
	type plain CardResult
	if c.Type != CardKindNFC || c.Error != "" {
		return json.Marshal(plain(c))
	}
	return json.Marshal(struct {
		plain
		UUID string `json:"uuid"`
	}{plain(c), c.UUID})
}

// Card result types
const (
	CardKindNFC = "NFC"
	CardKindMag = "MAG"
	CardKindIC  = "IC"
)

// CardErrorNonPayment marks a contactless card that is not a banking card.
const CardErrorNonPayment = "NON_PAYMENT_CARD_DETECTED"

// StatusPayload describes the state of the native dispatcher.
type StatusPayload struct {
	Connected   bool        `json:"connected"`
	CheckActive bool        `json:"checkActive"`
	Vendor      string      `json:"vendor"`
	LastCard    *CardResult `json:"lastCard,omitempty"`
}

// Error codes for WebSocketResponse payloads
const (
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeRateLimited    = "RATE_LIMITED"
)

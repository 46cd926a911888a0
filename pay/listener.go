package pay

import (
	"fmt"
	"sync"

	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"go.uber.org/zap"
)

// cardListener turns kernel card events into exactly one continuation call.
type cardListener struct {
	success paybridge.Callback
	failure paybridge.Callback
	logger  *zap.Logger
	settled func(*protocol.CardResult)

	mu   sync.Mutex
	sent bool
}

// newCardListener creates a listener. settled, if set, runs once before the
// continuation with the card found or nil on failure.
func newCardListener(success, failure paybridge.Callback, logger *zap.Logger, settled func(*protocol.CardResult)) *cardListener {
	return &cardListener{
		success: success,
		failure: failure,
		logger:  logger,
		settled: settled,
	}
}

// claim marks the listener as resolved. Returns false if a result was already sent.
func (l *cardListener) claim() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sent {
		return false
	}
	l.sent = true
	return true
}

func (l *cardListener) done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

func (l *cardListener) sendSuccess(result protocol.CardResult) {
	if !l.claim() {
		return
	}
	if l.settled != nil {
		l.settled(&result)
	}
	call(l.success, result)
}

func (l *cardListener) sendError(message string) {
	if !l.claim() {
		return
	}
	if l.settled != nil {
		l.settled(nil)
	}
	call(l.failure, message)
}

func (l *cardListener) sendNFC(uuid string) {
	l.sendSuccess(protocol.CardResult{Type: protocol.CardKindNFC, UUID: uuid})
}

func (l *cardListener) FindMagCard(track map[string]any) {
	l.logger.Debug("findMagCard")
	l.sendSuccess(protocol.CardResult{Type: protocol.CardKindMag, Track: track})
}

func (l *cardListener) FindICCard(atr string) {
	l.logger.Debug("findICCard", zap.String("atr", atr))
	l.sendSuccess(protocol.CardResult{Type: protocol.CardKindIC, ATR: atr})
}

func (l *cardListener) FindRFCard(uuid string, extras map[string]any) {
	if uuid == "" {
		uuid, _ = uuidFromExtras(extras)
	}
	l.logger.Debug("findRFCard", zap.String("uuid", uuid))
	l.sendNFC(uuid)
}

func (l *cardListener) OnError(code int, message string, extras map[string]any) {
	if message == "" {
		message = "Unknown"
	}

	if ErrorCode(code) == CodeRepeatedCall {
		l.logger.Warn("ignoring repeated call error, waiting for active scan", zap.Int("code", code))
		return
	}

	l.logger.Error("check card error", zap.Int("code", code), zap.String("msg", message))

	if uuid, ok := uuidFromExtras(extras); ok {
		l.sendNFC(uuid)
		return
	}

	if ErrorCode(code).IsNonPayment() {
		l.sendSuccess(protocol.CardResult{
			Type:  protocol.CardKindNFC,
			Error: protocol.CardErrorNonPayment,
			Code:  code,
		})
		return
	}

	l.sendError(fmt.Sprintf("Error: %d - %s", code, message))
}

// uuidFromExtras looks up the card identifier under "uuid" then "uid".
func uuidFromExtras(extras map[string]any) (string, bool) {
	if extras == nil {
		return "", false
	}
	for _, key := range []string{"uuid", "uid"} {
		if v, ok := extras[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
			if v == nil {
				return "", true
			}
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

func call(cb paybridge.Callback, payload any) {
	if cb != nil {
		cb(payload)
	}
}

// Package pay implements the native side of the payment bridge: a command
// dispatcher that routes connect, checkCard, cancelCheckCard and print to a
// payment SDK binding (Kernel) and a receipt printer.
package pay

import (
	"context"
	"time"
)

// CardType is a bit mask of card interfaces a check should listen on.
type CardType int

const (
	CardTypeMagnetic CardType = 0x01
	CardTypeIC       CardType = 0x02
	CardTypeNFC      CardType = 0x04 // banking contactless (ISO14443-4)
	CardTypeMifare   CardType = 0x08 // general contactless (MIFARE, ID cards)

	// CardTypeCombinedNFC accepts both banking and general contactless cards.
	CardTypeCombinedNFC = CardTypeNFC | CardTypeMifare
)

// Has reports whether all bits of other are set in t.
func (t CardType) Has(other CardType) bool {
	return t&other == other
}

// Kernel is the payment SDK binding.
type Kernel interface {
	// Manufacturer identifies the hardware vendor the kernel runs on.
	Manufacturer() string

	// Init binds to the SDK. onDisconnect is called if the SDK later drops the binding.
	Init(ctx context.Context, onDisconnect func()) error

	// ReadCard returns the card reader module, or nil if it is unavailable.
	ReadCard() CardReader

	// Destroy releases the SDK.
	Destroy() error
}

// CardReader is the card detection module of the SDK.
type CardReader interface {
	// CheckCard starts polling for a card. Results arrive on listener.
	CheckCard(cardTypes CardType, listener CheckCardListener, timeout time.Duration) error

	// CancelCheckCard aborts polling started by CheckCard.
	CancelCheckCard() error
}

// CheckCardListener receives card detection events from a CardReader.
// Extras carries vendor specific key/value data and may be nil.
type CheckCardListener interface {
	FindMagCard(track map[string]any)
	FindICCard(atr string)
	FindRFCard(uuid string, extras map[string]any)
	OnError(code int, message string, extras map[string]any)
}

// Printer prints receipt content. The content shape is defined by the printer.
type Printer interface {
	Print(ctx context.Context, content any) error
}

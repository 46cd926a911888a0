package libnfc

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
	"github.com/dotside-studios/davi-pay-agent/pay"
	"go.uber.org/zap"
)

// detection is one card seen in the field.
type detection struct {
	UID  string
	Kind pay.CardType
	Sak  byte
	Atqa string
}

// scanner lists the cards currently in the field.
type scanner interface {
	scan() ([]detection, error)
}

// Reader is a pay.CardReader that polls a scanner until a card shows up.
type Reader struct {
	scanner  scanner
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewReader creates a reader polling s every interval.
func NewReader(s scanner, interval time.Duration, logger *zap.Logger) *Reader {
	return &Reader{scanner: s, interval: interval, logger: logger}
}

// CheckCard starts polling. A check already in progress is reported to the
// new listener as a repeated call and left running.
func (r *Reader) CheckCard(cardTypes pay.CardType, listener pay.CheckCardListener, timeout time.Duration) error {
	if listener == nil {
		return fmt.Errorf("listener cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		go pay.ReportError(listener, pay.NewKernelError(pay.CodeRepeatedCall, "CheckCard", "repeated call", nil), nil)
		return nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop, r.done = stop, done

	go r.poll(cardTypes, listener, timeout, stop, done)
	return nil
}

// CancelCheckCard stops polling and waits for the poll loop to exit.
func (r *Reader) CancelCheckCard() error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// finish clears the running check if it is still the one identified by stop.
func (r *Reader) finish(stop chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == stop {
		r.stop, r.done = nil, nil
	}
}

func (r *Reader) poll(cardTypes pay.CardType, listener pay.CheckCardListener, timeout time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			r.finish(stop)
			pay.ReportError(listener, pay.NewKernelError(pay.CodeCheckTimeout, "CheckCard", "check card timeout", nil), nil)
			return
		case <-ticker.C:
		}

		found, err := r.scanner.scan()
		if err != nil {
			r.finish(stop)
			r.logger.Error("scan failed", zap.Error(err))
			pay.ReportError(listener, pay.NewKernelError(pay.CodeUnknown, "CheckCard", "device error", err), nil)
			return
		}
		if len(found) == 0 {
			continue
		}

		card := found[0]
		r.finish(stop)
		if !cardTypes.Has(card.Kind) {
			r.logger.Info("card outside requested types", zap.String("uid", card.UID), zap.Int("kind", int(card.Kind)))
			pay.ReportError(listener, pay.NewKernelError(pay.CodeCardTypeMismatch, "CheckCard", "card type mismatch", nil), nil)
			return
		}

		r.logger.Debug("card found", zap.String("uid", card.UID))
		listener.FindRFCard(card.UID, map[string]any{
			"sak":  fmt.Sprintf("%02X", card.Sak),
			"atqa": card.Atqa,
		})
		return
	}
}

// classify maps a target to a card type. MIFARE family tags recognised by
// freefare are general purpose; other ISO14443-4 targets are banking cards.
func classify(sak byte, mifare bool) pay.CardType {
	if mifare {
		return pay.CardTypeMifare
	}
	if sak&0x20 != 0 {
		return pay.CardTypeNFC
	}
	return pay.CardTypeMifare
}

// deviceScanner scans a libnfc device.
type deviceScanner struct {
	device nfc.Device
	logger *zap.Logger
}

func (s *deviceScanner) scan() ([]detection, error) {
	mifare := make(map[string]bool)

	ffTags, ffErr := freefare.GetTags(s.device)
	if ffErr != nil {
		s.logger.Debug("freefare.GetTags failed", zap.Error(ffErr))
	}
	for _, tag := range ffTags {
		mifare[strings.ToUpper(tag.UID())] = true
	}

	modulation := nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}
	targets, err := s.device.InitiatorListPassiveTargets(modulation)
	if err != nil {
		if ffErr != nil {
			return nil, fmt.Errorf("freefare (%v) and passive targets (%w)", ffErr, err)
		}
		return nil, fmt.Errorf("list passive targets: %w", err)
	}

	var found []detection
	for _, target := range targets {
		isoA, ok := target.(*nfc.ISO14443aTarget)
		if !ok {
			continue
		}
		if isoA.UIDLen <= 0 || int(isoA.UIDLen) > len(isoA.UID) {
			continue
		}
		uid := strings.ToUpper(hex.EncodeToString(isoA.UID[:isoA.UIDLen]))
		found = append(found, detection{
			UID:  uid,
			Kind: classify(isoA.Sak, mifare[uid]),
			Sak:  isoA.Sak,
			Atqa: strings.ToUpper(hex.EncodeToString(isoA.Atqa[:])),
		})
	}
	return found, nil
}

// Package libnfc binds the payment kernel to a contactless reader driven by libnfc.
// It only detects cards and reports their identifiers; it does not talk to the card.
package libnfc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clausecker/nfc/v2"
	"github.com/dotside-studios/davi-pay-agent/pay"
	"go.uber.org/zap"
)

// Config holds the libnfc kernel settings.
type Config struct {
	// Device is the libnfc connection string. Empty selects the first device found.
	Device string

	// Manufacturer is reported as the terminal vendor.
	Manufacturer string

	// PollInterval is the delay between two target scans.
	PollInterval time.Duration
}

// DeviceEnumRetries is how many times device enumeration is attempted.
const DeviceEnumRetries = 3

// Kernel is a pay.Kernel backed by a libnfc device.
type Kernel struct {
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	device *nfc.Device
	reader *Reader
}

// New creates a kernel. The device is opened by Init.
func New(config Config, logger *zap.Logger) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Manufacturer == "" {
		config.Manufacturer = "SUNMI"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	return &Kernel{config: config, logger: logger.Named("libnfc")}
}

func (k *Kernel) Manufacturer() string {
	return k.config.Manufacturer
}

// Init opens the libnfc device and puts it in initiator mode.
func (k *Kernel) Init(ctx context.Context, _ func()) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.device != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := k.connectionString()
	if err != nil {
		return err
	}

	dev, err := nfc.Open(conn)
	if err != nil {
		return fmt.Errorf("open device %q: %w", conn, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return fmt.Errorf("initiator init: %w", err)
	}

	k.logger.Info("libnfc device opened",
		zap.String("device", dev.String()),
		zap.String("connection", dev.Connection()),
		zap.String("libnfc", nfc.Version()))

	k.device = &dev
	k.reader = NewReader(&deviceScanner{device: dev, logger: k.logger}, k.config.PollInterval, k.logger)
	return nil
}

func (k *Kernel) connectionString() (string, error) {
	if k.config.Device != "" {
		return k.config.Device, nil
	}

	var (
		devices []string
		err     error
	)
	for i := 0; i < DeviceEnumRetries; i++ {
		devices, err = nfc.ListDevices()
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return "", fmt.Errorf("failed to list NFC devices after %d retries: %w", DeviceEnumRetries, err)
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no NFC devices found")
	}
	return devices[0], nil
}

func (k *Kernel) ReadCard() pay.CardReader {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reader == nil {
		return nil
	}
	return k.reader
}

// Destroy stops polling and closes the device.
func (k *Kernel) Destroy() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.reader != nil {
		k.reader.CancelCheckCard()
		k.reader = nil
	}
	if k.device == nil {
		return nil
	}
	err := k.device.Close()
	k.device = nil
	if err != nil {
		return fmt.Errorf("close device: %w", err)
	}
	return nil
}

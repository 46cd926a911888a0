// Package rawprint sends print jobs verbatim to a printer device node.
package rawprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrUnsupportedContent is returned for content that is neither a string nor bytes.
var ErrUnsupportedContent = errors.New("unsupported print content")

// Printer is a pay.Printer writing to a device path such as /dev/usb/lp0.
type Printer struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

// New creates a printer writing to path. The device is opened for each job.
func New(path string, logger *zap.Logger) *Printer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Printer{path: path, logger: logger.Named("rawprint")}
}

// Path returns the device path.
func (p *Printer) Path() string {
	return p.path
}

func (p *Printer) Print(ctx context.Context, content any) error {
	var data []byte
	switch c := content.(type) {
	case string:
		data = []byte(c)
	case []byte:
		data = c
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedContent, content)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("open printer %s: %w", p.path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write printer %s: %w", p.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close printer %s: %w", p.path, err)
	}

	p.logger.Debug("print job sent", zap.String("device", p.path), zap.Int("bytes", len(data)))
	return nil
}

package pay

import (
	"errors"
	"strings"
)

// ErrorCode is a kernel error code as reported to CheckCardListener.OnError.
type ErrorCode int

const (
	// CodeRepeatedCall is reported when a check is started before the previous one was cancelled.
	CodeRepeatedCall ErrorCode = -20001
	// CodeCheckTimeout is reported when no card was presented in time.
	CodeCheckTimeout ErrorCode = -20002
	// CodeCardTypeMismatch is reported when a card outside the requested mask was tapped.
	CodeCardTypeMismatch ErrorCode = -2549
	// CodeNonPaymentCard is reported when a contactless card is not a banking card.
	CodeNonPaymentCard ErrorCode = -2520
	// CodeUnknown is used when the kernel gives no code.
	CodeUnknown ErrorCode = -1
)

// IsNonPayment reports whether the code means a non banking card was detected.
func (c ErrorCode) IsNonPayment() bool {
	return c == CodeCardTypeMismatch || c == CodeNonPaymentCard
}

var (
	ErrNotConnected   = errors.New("SDK not connected")
	ErrNoPrinter      = errors.New("Printer not available")
	ErrMissingContent = errors.New("Missing print content")
	ErrCheckCancelled = errors.New("Check card cancelled")
	ErrNotVendor      = errors.New("Not a Sunmi device")
	ErrReaderMissing  = errors.New("Connected but ReadCard module failed")
	ErrPluginClosed   = errors.New("plugin destroyed")
)

// KernelError is a structured error raised by a Kernel implementation.
type KernelError struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *KernelError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *KernelError) Unwrap() error {
	return e.Cause
}

func (e *KernelError) Is(target error) bool {
	if t, ok := target.(*KernelError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewKernelError creates a KernelError.
func NewKernelError(code ErrorCode, op, message string, cause error) *KernelError {
	return &KernelError{Code: code, Op: op, Message: message, Cause: cause}
}

// CodeOf extracts the kernel error code from err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var kErr *KernelError
	if errors.As(err, &kErr) {
		return kErr.Code
	}
	return CodeUnknown
}

// ReportError forwards err to listener using its kernel code.
func ReportError(listener CheckCardListener, err error, extras map[string]any) {
	var kErr *KernelError
	if errors.As(err, &kErr) {
		listener.OnError(int(kErr.Code), kErr.Message, extras)
		return
	}
	listener.OnError(int(CodeUnknown), err.Error(), extras)
}

package errors

import (
	sterrors "errors"
	"fmt"
)

// Error kinds surfaced by the engine. Callers match them with errors.Is; the
// concrete errors carry the offending type or key in their message.
var (
	ErrNotFound         = sterrors.New("protostream: not found")
	ErrInvalidArgument  = sterrors.New("protostream: invalid argument")
	ErrInvalidOperation = sterrors.New("protostream: invalid operation")

	ErrStreamTimeout   = sterrors.New("protostream: stream idle timeout")
	ErrTransportClosed = sterrors.New("protostream: transport closed")
	ErrConfigRequired  = sterrors.New("protostream: configuration is required")
	ErrConfigInvalid   = sterrors.New("protostream: invalid configuration")
	ErrLoggerRequired  = sterrors.New("protostream: logger is required")
)

// NotFound wraps ErrNotFound with a formatted detail message.
func NotFound(format string, args ...any) error {
	return kind(ErrNotFound, format, args...)
}

// InvalidArgument wraps ErrInvalidArgument with a formatted detail message.
func InvalidArgument(format string, args ...any) error {
	return kind(ErrInvalidArgument, format, args...)
}

// InvalidOperation wraps ErrInvalidOperation with a formatted detail message.
func InvalidOperation(format string, args ...any) error {
	return kind(ErrInvalidOperation, format, args...)
}

func kind(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// ConfigValidationError reports a configuration that failed Validate. It
// matches ErrConfigInvalid and every joined violation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return ErrConfigInvalid.Error() + ": " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() []error { return []error{ErrConfigInvalid, e.Err} }

// RemoteError is the failure reported by a remote stream host. The original
// error value cannot cross the wire, so only its message survives.
type RemoteError struct {
	Message       string
	CorrelationID string
}

func (e *RemoteError) Error() string {
	if e.CorrelationID == "" {
		return "protostream: remote stream failed: " + e.Message
	}
	return fmt.Sprintf("protostream: remote stream failed (correlation %s): %s", e.CorrelationID, e.Message)
}

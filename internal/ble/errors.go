package ble

import (
	"context"
	"errors"

	"github.com/ciniml/imble/internal/ble/protocol"
)

var (
	// ErrInvalidArgument reports a send precondition violation.
	ErrInvalidArgument = protocol.ErrInvalidArgument
	// ErrNotRunning is returned when a session is used before establishment
	// completed. It indicates a programming error in the caller.
	ErrNotRunning = errors.New("ble: session is not running")
	// ErrClosed is returned when a session is used after Close.
	ErrClosed = errors.New("ble: session is closed")
)

// OperationError reports a protocol or connection failure: pairing
// failed, the device could not be configured, or the peripheral does not
// expose the expected GATT layout.
type OperationError struct {
	Msg string
	Err error // underlying cause, may be nil
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return "ble: " + e.Msg + ": " + e.Err.Error()
	}
	return "ble: " + e.Msg
}

func (e *OperationError) Unwrap() error { return e.Err }

func operationError(msg string, err error) error {
	return &OperationError{Msg: msg, Err: err}
}

// IsOperationError reports whether err wraps an *OperationError.
func IsOperationError(err error) bool {
	var oe *OperationError
	return errors.As(err, &oe)
}

// IsCancellation reports whether err is a cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

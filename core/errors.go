package core

import (
	"errors"
	"fmt"
)

// RetryableError marks a failure that is expected to succeed on
// resubmission: connectivity loss, timeouts, 5xx-equivalent remote faults.
// The engine absorbs these into the offline queue; they are never surfaced
// to the caller as hard failures.
type RetryableError struct {
	Op      string // the remote operation that failed, e.g. "create", "replay"
	Message string
	Err     error // underlying cause, may be nil
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable failure in %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("retryable failure in %s: %s", e.Op, e.Message)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError marks a failure that will not succeed on resubmission:
// validation rejections, conflicts, not-found. The optimistic change is
// rolled back and the error propagates to the caller.
type TerminalError struct {
	Op      string
	Message string
	Err     error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminal failure in %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("terminal failure in %s: %s", e.Op, e.Message)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// InvariantViolationError reports misuse of the engine by the integration
// layer, e.g. a second undoable mutation on a target whose undo window is
// still open. These are programming errors and fail fast.
type InvariantViolationError struct {
	Message string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("engine invariant violated: %s", e.Message)
}

// UnsupportedTypeError reports a field value of a type the engine cannot
// carry.
type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

// IsRetryable checks if an error is a RetryableError.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// IsTerminal checks if an error is a TerminalError.
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// IsInvariantViolation checks if an error is an InvariantViolationError.
func IsInvariantViolation(err error) bool {
	var violation *InvariantViolationError
	return errors.As(err, &violation)
}

func IsUnsupportedError(err error) bool {
	var unsupported *UnsupportedTypeError
	return errors.As(err, &unsupported)
}

package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	retryable := &RetryableError{Op: "update", Message: "connection reset", Err: errors.New("EOF")}
	terminal := &TerminalError{Op: "create", Message: "name already taken"}
	violation := &InvariantViolationError{Message: "undo window already open for target"}

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(terminal))
	assert.False(t, IsRetryable(violation))

	assert.True(t, IsTerminal(terminal))
	assert.False(t, IsTerminal(retryable))

	assert.True(t, IsInvariantViolation(violation))
	assert.False(t, IsInvariantViolation(terminal))
}

func TestErrorClassification_Wrapped(t *testing.T) {
	inner := &TerminalError{Op: "delete", Message: "not found"}
	wrapped := fmt.Errorf("replaying sequence 7: %w", inner)

	assert.True(t, IsTerminal(wrapped), "classification should see through wrapping")
	assert.False(t, IsRetryable(wrapped))

	var terminal *TerminalError
	require.True(t, errors.As(wrapped, &terminal))
	assert.Equal(t, "delete", terminal.Op)
}

func TestRetryableError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &RetryableError{Op: "replay", Message: "transport", Err: cause}

	assert.True(t, errors.Is(err, cause), "Unwrap should expose the cause")
	assert.Contains(t, err.Error(), "connection refused")
}

package listeners

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalationAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewEscalationAlerterListener(logger)
	require.NotNil(t, listener)

	t.Run("Handles OnReplayEscalated event", func(t *testing.T) {
		logBuf.Reset() // Clear buffer for this sub-test

		payload := hooks.ReplayEscalatedPayload{
			Kind:     core.MutationDelete,
			TargetID: "club-17",
			Sequence: 42,
			Attempts: 5,
			Age:      26 * time.Hour,
			Err:      errors.New("connect: network unreachable"),
		}
		event := hooks.NewReplayEscalatedEvent(payload)

		err := listener.OnEvent(context.Background(), event)
		require.NoError(t, err)

		logOutput := logBuf.String()
		assert.Contains(t, logOutput, "escalated to terminal failure", "Log should contain the alert message")
		assert.Contains(t, logOutput, `"sequence":42`, "Log should contain the sequence")
		assert.Contains(t, logOutput, `"attempts":5`)
	})

	t.Run("Ignores other event types", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewConnectivityChangedEvent(hooks.ConnectivityChangedPayload{Online: true})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String(), "Listener should not log for non-escalation events")
	})
}

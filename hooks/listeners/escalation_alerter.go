package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
)

// EscalationAlerterListener logs a warning whenever a queued operation
// exhausts its retry budget and is escalated to a terminal failure. Those
// operations represent user intent that was silently visible locally but
// never reached the authoritative store.
type EscalationAlerterListener struct {
	logger *slog.Logger
}

// NewEscalationAlerterListener creates a new listener for retry-budget
// escalations.
func NewEscalationAlerterListener(logger *slog.Logger) *EscalationAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EscalationAlerterListener{
		logger: logger.With("component", "EscalationAlerterListener"),
	}
}

// OnEvent handles the OnReplayEscalated event.
func (l *EscalationAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnReplayEscalated {
		return nil // Ignore other events
	}

	payload, ok := event.Payload().(hooks.ReplayEscalatedPayload)
	if !ok {
		l.logger.Error("Received OnReplayEscalated event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.logger.Warn("Queued operation escalated to terminal failure",
		"kind", payload.Kind.String(),
		"target_id", string(payload.TargetID),
		"sequence", uint64(payload.Sequence),
		"attempts", payload.Attempts,
		"age", payload.Age.String(),
		"error", payload.Err,
	)

	return nil
}

// Priority defines the execution order.
func (l *EscalationAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *EscalationAlerterListener) IsAsync() bool { return true }

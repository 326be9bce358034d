package listeners

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
)

// ActivityEntry is one line of the activity feed.
type ActivityEntry struct {
	At       time.Time
	Event    hooks.EventType
	Kind     core.MutationKind
	TargetID core.RecordID
	Detail   string
}

// ActivityLogListener keeps a bounded in-memory feed of engine activity for
// the audit panels. Entries beyond the capacity evict the oldest first.
type ActivityLogListener struct {
	mu      sync.Mutex
	entries []ActivityEntry
	cap     int
	now     func() time.Time
}

// NewActivityLogListener creates a feed holding up to capacity entries.
func NewActivityLogListener(capacity int) *ActivityLogListener {
	if capacity <= 0 {
		capacity = 100
	}
	return &ActivityLogListener{cap: capacity, now: time.Now}
}

// RegisterAll subscribes the feed to every event the engine publishes.
func (l *ActivityLogListener) RegisterAll(manager hooks.HookManager) {
	for _, et := range []hooks.EventType{
		hooks.EventPostMutationApply,
		hooks.EventOnUndoWindowOpened,
		hooks.EventOnMutationUndone,
		hooks.EventOnUndoWindowElapsed,
		hooks.EventOnCommitSucceeded,
		hooks.EventOnCommitRetryQueued,
		hooks.EventOnCommitTerminalFailure,
		hooks.EventOnQueueDrainFinished,
		hooks.EventOnReplaySucceeded,
		hooks.EventOnReplayEscalated,
		hooks.EventOnConnectivityChanged,
		hooks.EventOnCollectionRefetched,
	} {
		manager.Register(et, l)
	}
}

// OnEvent appends the event to the feed.
func (l *ActivityLogListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	entry := ActivityEntry{At: l.now(), Event: event.Type()}

	switch p := event.Payload().(type) {
	case hooks.PostMutationApplyPayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = fmt.Sprintf("applied optimistically, %d records visible", p.ListLen)
	case hooks.UndoWindowOpenedPayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = fmt.Sprintf("undo available for %s", p.Window)
	case hooks.MutationUndonePayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = "undone by user"
	case hooks.UndoWindowElapsedPayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = "undo window elapsed"
	case hooks.CommitSucceededPayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = fmt.Sprintf("committed in %s", p.Duration.Round(time.Millisecond))
	case hooks.CommitRetryQueuedPayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = fmt.Sprintf("queued offline (seq %d): %s", p.Sequence, p.Reason)
	case hooks.CommitTerminalFailurePayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = fmt.Sprintf("rejected: %v", p.Err)
	case hooks.QueueDrainFinishedPayload:
		entry.Detail = fmt.Sprintf("drain finished: %d replayed, %d requeued, %d escalated", p.Replayed, p.Requeued, p.Escalated)
	case hooks.ReplaySucceededPayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = fmt.Sprintf("replayed after %d attempts", p.Attempts)
	case hooks.ReplayEscalatedPayload:
		entry.Kind = p.Kind
		entry.TargetID = p.TargetID
		entry.Detail = fmt.Sprintf("gave up after %d attempts: %v", p.Attempts, p.Err)
	case hooks.ConnectivityChangedPayload:
		if p.Online {
			entry.Detail = "back online"
		} else {
			entry.Detail = "went offline"
		}
	case hooks.CollectionRefetchedPayload:
		entry.Detail = fmt.Sprintf("collection refetched (%d records): %s", p.Count, p.Reason)
	default:
		entry.Detail = fmt.Sprintf("%T", event.Payload())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	return nil
}

// Entries returns a copy of the feed, oldest first.
func (l *ActivityLogListener) Entries() []ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ActivityEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Priority defines the execution order.
func (l *ActivityLogListener) Priority() int { return 100 }

// IsAsync is false so the feed preserves the order events were triggered in.
func (l *ActivityLogListener) IsAsync() bool { return false }

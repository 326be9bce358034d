package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Mutation Lifecycle Events
	EventPreMutationApply  EventType = "PreMutationApply"
	EventPostMutationApply EventType = "PostMutationApply"

	// Undo Window Events
	EventOnUndoWindowOpened  EventType = "OnUndoWindowOpened"
	EventOnMutationUndone    EventType = "OnMutationUndone"
	EventOnUndoWindowElapsed EventType = "OnUndoWindowElapsed"

	// Commit Events
	EventOnCommitStarted         EventType = "OnCommitStarted"
	EventOnCommitSucceeded       EventType = "OnCommitSucceeded"
	EventOnCommitRetryQueued     EventType = "OnCommitRetryQueued"
	EventOnCommitTerminalFailure EventType = "OnCommitTerminalFailure"

	// Offline Queue Events
	EventOnQueueDrainStarted  EventType = "OnQueueDrainStarted"
	EventOnQueueDrainFinished EventType = "OnQueueDrainFinished"
	EventOnReplaySucceeded    EventType = "OnReplaySucceeded"
	EventOnReplayEscalated    EventType = "OnReplayEscalated"

	// Connectivity Events
	EventOnConnectivityChanged EventType = "OnConnectivityChanged"

	// Collection Events
	EventOnCollectionRefetched EventType = "OnCollectionRefetched"

	// Engine Lifecycle
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreMutationApplyPayload contains the data for a PreMutationApply event.
// Payload is a pointer so listeners can rewrite the fields before the
// optimistic apply; returning an error from a listener vetoes the mutation.
type PreMutationApplyPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Payload  *core.FieldValues
}

// NewPreMutationApplyEvent creates a new event for before a mutation is applied.
func NewPreMutationApplyEvent(payload PreMutationApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPreMutationApply, payload: payload}
}

// PostMutationApplyPayload contains the data for a PostMutationApply event.
type PostMutationApplyPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Undoable bool
	ListLen  int
}

// NewPostMutationApplyEvent creates a new event for after a mutation has been
// applied optimistically.
func NewPostMutationApplyEvent(payload PostMutationApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPostMutationApply, payload: payload}
}

// UndoWindowOpenedPayload contains the data for an OnUndoWindowOpened event.
type UndoWindowOpenedPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Window   time.Duration
}

// NewUndoWindowOpenedEvent creates a new event for when an undo window opens.
func NewUndoWindowOpenedEvent(payload UndoWindowOpenedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnUndoWindowOpened, payload: payload}
}

// MutationUndonePayload contains the data for an OnMutationUndone event.
type MutationUndonePayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
}

// NewMutationUndoneEvent creates a new event for when a mutation is undone
// within its window.
func NewMutationUndoneEvent(payload MutationUndonePayload) HookEvent {
	return &BaseEvent{eventType: EventOnMutationUndone, payload: payload}
}

// UndoWindowElapsedPayload contains the data for an OnUndoWindowElapsed event.
type UndoWindowElapsedPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
}

// NewUndoWindowElapsedEvent creates a new event for when an undo window
// elapses and the mutation proceeds to commit.
func NewUndoWindowElapsedEvent(payload UndoWindowElapsedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnUndoWindowElapsed, payload: payload}
}

// CommitStartedPayload contains the data for an OnCommitStarted event.
// Sequence is zero for direct commits and set for queue replays.
type CommitStartedPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Sequence core.Sequence
	Attempt  int
}

// NewCommitStartedEvent creates a new event for when a commit attempt begins.
func NewCommitStartedEvent(payload CommitStartedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCommitStarted, payload: payload}
}

// CommitSucceededPayload contains the data for an OnCommitSucceeded event.
// AssignedID carries the server-assigned identity for creates.
type CommitSucceededPayload struct {
	Kind       core.MutationKind
	TargetID   core.RecordID
	AssignedID core.RecordID
	Duration   time.Duration
}

// NewCommitSucceededEvent creates a new event for a successful commit.
func NewCommitSucceededEvent(payload CommitSucceededPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCommitSucceeded, payload: payload}
}

// CommitRetryQueuedPayload contains the data for an OnCommitRetryQueued event.
type CommitRetryQueuedPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Sequence core.Sequence
	Reason   string
}

// NewCommitRetryQueuedEvent creates a new event for a commit that was parked
// on the offline queue after a retryable failure.
func NewCommitRetryQueuedEvent(payload CommitRetryQueuedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCommitRetryQueued, payload: payload}
}

// CommitTerminalFailurePayload contains the data for an
// OnCommitTerminalFailure event.
type CommitTerminalFailurePayload struct {
	Kind       core.MutationKind
	TargetID   core.RecordID
	Err        error
	RolledBack bool
	Refetched  bool
}

// NewCommitTerminalFailureEvent creates a new event for a commit rejected by
// the authoritative store.
func NewCommitTerminalFailureEvent(payload CommitTerminalFailurePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCommitTerminalFailure, payload: payload}
}

// QueueDrainStartedPayload contains the data for an OnQueueDrainStarted event.
type QueueDrainStartedPayload struct {
	Pending int
	Targets int
}

// NewQueueDrainStartedEvent creates a new event for the start of a queue drain.
func NewQueueDrainStartedEvent(payload QueueDrainStartedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnQueueDrainStarted, payload: payload}
}

// QueueDrainFinishedPayload contains the data for an OnQueueDrainFinished event.
type QueueDrainFinishedPayload struct {
	Replayed  int
	Requeued  int
	Escalated int
	Duration  time.Duration
}

// NewQueueDrainFinishedEvent creates a new event for the end of a queue drain.
func NewQueueDrainFinishedEvent(payload QueueDrainFinishedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnQueueDrainFinished, payload: payload}
}

// ReplaySucceededPayload contains the data for an OnReplaySucceeded event.
type ReplaySucceededPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Sequence core.Sequence
	Attempts int
}

// NewReplaySucceededEvent creates a new event for a queued operation that
// reached the authoritative store.
func NewReplaySucceededEvent(payload ReplaySucceededPayload) HookEvent {
	return &BaseEvent{eventType: EventOnReplaySucceeded, payload: payload}
}

// ReplayEscalatedPayload contains the data for an OnReplayEscalated event.
type ReplayEscalatedPayload struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Sequence core.Sequence
	Attempts int
	Age      time.Duration
	Err      error
}

// NewReplayEscalatedEvent creates a new event for a queued operation whose
// retry budget ran out and was escalated to a terminal failure.
func NewReplayEscalatedEvent(payload ReplayEscalatedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnReplayEscalated, payload: payload}
}

// ConnectivityChangedPayload contains the data for an OnConnectivityChanged event.
type ConnectivityChangedPayload struct {
	Online bool
}

// NewConnectivityChangedEvent creates a new event for a settled online/offline
// transition.
func NewConnectivityChangedEvent(payload ConnectivityChangedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnConnectivityChanged, payload: payload}
}

// CollectionRefetchedPayload contains the data for an OnCollectionRefetched event.
type CollectionRefetchedPayload struct {
	Count  int
	Reason string
}

// NewCollectionRefetchedEvent creates a new event for a full refetch of the
// collection from the authoritative store.
func NewCollectionRefetchedEvent(payload CollectionRefetchedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCollectionRefetched, payload: payload}
}

// EngineLifecyclePayload is used for engine start/close events.
// It's currently empty but can be extended.
type EngineLifecyclePayload struct{}

// NewPreStartEngineEvent creates an event for before the engine starts.
func NewPreStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPostStartEngineEvent creates an event for after the engine has started.
func NewPostStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPreCloseEngineEvent creates an event for before the engine closes.
func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

// NewPostCloseEngineEvent creates an event for after the engine has closed.
func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreMutationApply) can cancel the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority for ordered dispatch.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// Find the correct insertion index to maintain sorted order.
	// sort.Search finds the first index i where l[i].priority >= item.priority.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					// For Pre-hooks, the error is critical and cancels the operation.
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				// For synchronous Post-hooks, we just log the error and continue.
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

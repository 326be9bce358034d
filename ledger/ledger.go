package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
	"github.com/iamthanushgowdap/APSConnect-sub000/internal/clock"
)

// DefaultUndoWindow is the undo window used when none is configured.
const DefaultUndoWindow = 7 * time.Second

// Restorer is the slice of the record store the ledger needs to reverse an
// optimistic mutation.
type Restorer interface {
	Restore(snapshot *core.RecordSnapshot) ([]core.Record, error)
}

// HandoffFunc receives a mutation whose undo window elapsed. The ledger
// removes its entry only after the handoff returns, so the mutation is never
// owned by nobody.
type HandoffFunc func(mutation core.Mutation)

// PendingEntry is one ledger row: a mutation waiting out its undo window.
type PendingEntry struct {
	Mutation  core.Mutation
	CreatedAt time.Time

	timer    clock.Timer
	resolved bool
}

// Options configures a PendingLedger.
type Options struct {
	Logger        *slog.Logger
	Clock         clock.Clock
	Hooks         hooks.HookManager
	Restorer      Restorer
	Handoff       HandoffFunc
	DefaultWindow time.Duration
}

// PendingLedger tracks undoable mutations between their optimistic apply and
// their commit. Each target id has at most one active window; windows for
// distinct targets run independently.
type PendingLedger struct {
	mu      sync.Mutex
	entries map[core.RecordID]*PendingEntry
	closed  bool

	clock   clock.Clock
	logger  *slog.Logger
	hooks   hooks.HookManager
	store   Restorer
	handoff HandoffFunc
	window  time.Duration
}

// NewPendingLedger creates a ledger. Restorer and Handoff are required.
func NewPendingLedger(opts Options) (*PendingLedger, error) {
	if opts.Restorer == nil {
		return nil, errors.New("ledger: Restorer is required")
	}
	if opts.Handoff == nil {
		return nil, errors.New("ledger: Handoff is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClockDefault
	}
	hookManager := opts.Hooks
	if hookManager == nil {
		hookManager = hooks.NewHookManager(logger)
	}
	window := opts.DefaultWindow
	if window <= 0 {
		window = DefaultUndoWindow
	}

	return &PendingLedger{
		entries: make(map[core.RecordID]*PendingEntry),
		clock:   clk,
		logger:  logger.With("component", "PendingLedger"),
		hooks:   hookManager,
		store:   opts.Restorer,
		handoff: opts.Handoff,
		window:  window,
	}, nil
}

// Begin registers an undoable mutation, starts its window timer and returns
// the undo handle. The optimistic apply must already have happened; the
// ledger only schedules the delayed commit and the ability to cancel it.
func (l *PendingLedger) Begin(mutation core.Mutation, window time.Duration) (*UndoHandle, error) {
	if !mutation.Undoable {
		return nil, &core.InvariantViolationError{Message: "ledger only accepts undoable mutations"}
	}
	if mutation.Snapshot == nil {
		return nil, &core.InvariantViolationError{Message: fmt.Sprintf("undoable %s on %q without a snapshot", mutation.Kind, mutation.TargetID)}
	}
	if window <= 0 {
		window = l.window
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, &core.InvariantViolationError{Message: "ledger is closed"}
	}
	if _, exists := l.entries[mutation.TargetID]; exists {
		l.mu.Unlock()
		return nil, &core.InvariantViolationError{Message: fmt.Sprintf("target %q already has an active undo window", mutation.TargetID)}
	}

	entry := &PendingEntry{
		Mutation:  mutation,
		CreatedAt: l.clock.Now(),
	}
	entry.timer = l.clock.AfterFunc(window, func() { l.windowElapsed(entry) })
	l.entries[mutation.TargetID] = entry
	l.mu.Unlock()

	l.logger.Debug("undo window opened",
		"kind", mutation.Kind.String(),
		"target_id", string(mutation.TargetID),
		"window", window)
	if err := l.hooks.Trigger(context.Background(), hooks.NewUndoWindowOpenedEvent(hooks.UndoWindowOpenedPayload{
		Kind:     mutation.Kind,
		TargetID: mutation.TargetID,
		Window:   window,
	})); err != nil {
		l.logger.Error("undo window hook failed", "error", err)
	}

	return &UndoHandle{ledger: l, entry: entry}, nil
}

// windowElapsed runs when an entry's timer fires. The mutation is handed to
// the commit path before the entry is dropped.
func (l *PendingLedger) windowElapsed(entry *PendingEntry) {
	l.mu.Lock()
	if entry.resolved {
		l.mu.Unlock()
		return
	}
	entry.resolved = true
	// Handoff happens under the lock: between handoff and removal the
	// mutation would otherwise belong to neither the ledger nor the
	// executor.
	l.handoff(entry.Mutation)
	delete(l.entries, entry.Mutation.TargetID)
	l.mu.Unlock()

	l.logger.Debug("undo window elapsed",
		"kind", entry.Mutation.Kind.String(),
		"target_id", string(entry.Mutation.TargetID))
	if err := l.hooks.Trigger(context.Background(), hooks.NewUndoWindowElapsedEvent(hooks.UndoWindowElapsedPayload{
		Kind:     entry.Mutation.Kind,
		TargetID: entry.Mutation.TargetID,
	})); err != nil {
		l.logger.Error("undo window elapsed hook failed", "error", err)
	}
}

// undo reverses the entry's mutation if its window is still open. It reports
// whether this call performed the reversal.
func (l *PendingLedger) undo(entry *PendingEntry) bool {
	l.mu.Lock()
	if entry.resolved {
		l.mu.Unlock()
		return false
	}
	entry.resolved = true
	entry.timer.Stop()
	delete(l.entries, entry.Mutation.TargetID)
	l.mu.Unlock()

	if _, err := l.store.Restore(entry.Mutation.Snapshot); err != nil {
		// The restore can only fail on integration bugs; the window is
		// already consumed either way.
		l.logger.Error("restore on undo failed",
			"target_id", string(entry.Mutation.TargetID),
			"error", err)
		return false
	}

	l.logger.Debug("mutation undone",
		"kind", entry.Mutation.Kind.String(),
		"target_id", string(entry.Mutation.TargetID))
	if err := l.hooks.Trigger(context.Background(), hooks.NewMutationUndoneEvent(hooks.MutationUndonePayload{
		Kind:     entry.Mutation.Kind,
		TargetID: entry.Mutation.TargetID,
	})); err != nil {
		l.logger.Error("mutation undone hook failed", "error", err)
	}
	return true
}

// Has reports whether target has an active undo window.
func (l *PendingLedger) Has(target core.RecordID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[target]
	return ok
}

// Len returns the number of active undo windows.
func (l *PendingLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close cancels all pending windows without committing them. The optimistic
// values stay visible; the session is ending and nothing further will be
// sent.
func (l *PendingLedger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true

	if n := len(l.entries); n > 0 {
		l.logger.Warn("ledger closed with unresolved entries", "count", n)
	}
	for target, entry := range l.entries {
		entry.resolved = true
		entry.timer.Stop()
		delete(l.entries, target)
	}
}

// UndoHandle is the cancellation primitive returned for an undoable
// mutation. It stays valid after the window closes; later calls simply
// report false.
type UndoHandle struct {
	ledger *PendingLedger
	entry  *PendingEntry
}

// Undo reverses the mutation if its window is still open. The first
// successful call restores the snapshot and reports true; any further call,
// or a call after the window elapsed, has no effect and reports false so the
// caller can disable the affordance.
func (h *UndoHandle) Undo() bool {
	return h.ledger.undo(h.entry)
}

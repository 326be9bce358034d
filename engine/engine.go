// Package engine is the construction root of the optimistic mutation and
// offline reconciliation engine. One engine instance serves one collection
// and is scoped to its caller's lifetime; pages owning several collections
// construct several engines.
//
// A mutation is applied to the local record store immediately, then travels
// one of two roads to the authoritative store: undoable mutations wait out
// an undo window in the pending ledger first, everything else commits right
// away. Commits that cannot reach the remote store park on the offline
// queue and replay when connectivity returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/iamthanushgowdap/APSConnect-sub000/compressors"
	"github.com/iamthanushgowdap/APSConnect-sub000/connectivity"
	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/executor"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
	"github.com/iamthanushgowdap/APSConnect-sub000/internal/clock"
	"github.com/iamthanushgowdap/APSConnect-sub000/ledger"
	"github.com/iamthanushgowdap/APSConnect-sub000/queue"
	"github.com/iamthanushgowdap/APSConnect-sub000/remote"
	"github.com/iamthanushgowdap/APSConnect-sub000/store"
)

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine: closed")

// shutdownGrace bounds how long Close waits for in-flight commits.
const shutdownGrace = 5 * time.Second

// Intent is a caller-described change, before the engine turns it into a
// tracked mutation.
type Intent struct {
	Kind     core.MutationKind
	TargetID core.RecordID
	Payload  core.FieldValues

	// Undoable overrides the kind's default policy when non-nil.
	Undoable *bool
	// UndoWindow overrides the engine's configured window when positive.
	UndoWindow time.Duration
}

// CommitResult is the final resolution of a mutation's direct path: undone,
// confirmed, parked on the offline queue, or rejected. Replay results of
// parked mutations surface on the diagnostics hooks, not here.
type CommitResult struct {
	State core.MutationState
	Err   error
}

// Result is returned by Apply. View is the post-mutation ordered
// collection; Undo is non-nil only for undoable mutations and reports
// whether it reversed the mutation; Outcome delivers the CommitResult once.
type Result struct {
	View     []core.Record
	TargetID core.RecordID
	Undo     func() bool
	Outcome  <-chan CommitResult
}

// Options configures an Engine. Remote is required; everything else has
// defaults.
type Options struct {
	Logger         *slog.Logger
	Clock          clock.Clock
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager

	Remote remote.Operations

	// Connectivity: push transitions via SetOnline, or poll Probe.
	InitialOnline bool
	Probe         connectivity.ProbeFunc
	ProbeInterval time.Duration
	Debounce      time.Duration

	UndoWindow    time.Duration
	CommitTimeout time.Duration

	MaxAttempts      int
	MaxAge           time.Duration
	DrainParallelism int

	QueueCompressor    compressors.Compressor
	ParkThresholdBytes int
	DedupeCapacity     int

	// PositionalRestore makes undo and rollback honor a record's original
	// list index. The default restores at the head of the list.
	PositionalRestore bool

	// SkipInitialFetch leaves the store empty at Start instead of loading
	// the collection through Remote.List.
	SkipInitialFetch bool

	Metrics *EngineMetrics
}

// Engine ties the record store, pending ledger, commit executor, offline
// queue and connectivity monitor together behind the Apply/View surface.
type Engine struct {
	logger  *slog.Logger
	clock   clock.Clock
	hooks   hooks.HookManager
	metrics *EngineMetrics

	store    *store.RecordStore
	ledger   *ledger.PendingLedger
	executor *executor.CommitExecutor
	queue    *queue.OfflineQueue
	monitor  *connectivity.Monitor
	remote   remote.Operations

	initialFetch bool

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// outcomes maps a mutation's idempotency key to its result channel
	// between the optimistic apply and the final resolution.
	outcomesMu sync.Mutex
	outcomes   map[string]chan CommitResult

	// turnTails chains direct commits per target in submission order, so a
	// second mutation's remote call can never overtake the first's.
	turnsMu   sync.Mutex
	turnTails map[core.RecordID]chan struct{}

	// redrainTimer re-arms a drain while online whenever the queue is
	// non-empty, so operations parked after a retryable failure do not wait
	// for another connectivity transition.
	redrainMu    sync.Mutex
	redrainTimer clock.Timer

	wg sync.WaitGroup

	stateMu sync.Mutex
	started bool
	closed  bool
}

// NewEngine wires the component graph. Start must be called before use.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errors.New("engine: Remote operations are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClockDefault
	}
	hookManager := opts.HookManager
	if hookManager == nil {
		hookManager = hooks.NewHookManager(logger.With("component", "HookManager"))
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewEngineMetrics(false, "")
	}

	e := &Engine{
		logger:    logger.With("component", "Engine"),
		clock:     clk,
		hooks:     hookManager,
		metrics:   metrics,
		outcomes:  make(map[string]chan CommitResult),
		turnTails: make(map[core.RecordID]chan struct{}),
	}
	e.baseCtx, e.cancelBase = context.WithCancel(context.Background())

	e.store = store.NewRecordStore(store.Options{
		Logger:            logger,
		PositionalRestore: opts.PositionalRestore,
	})

	var err error
	e.ledger, err = ledger.NewPendingLedger(ledger.Options{
		Logger:        logger,
		Clock:         clk,
		Hooks:         hookManager,
		Restorer:      e.store,
		Handoff:       e.windowElapsed,
		DefaultWindow: opts.UndoWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building ledger: %w", err)
	}

	e.queue = queue.NewOfflineQueue(queue.Options{
		Logger:             logger,
		Clock:              clk,
		Hooks:              hookManager,
		MaxAttempts:        opts.MaxAttempts,
		MaxAge:             opts.MaxAge,
		DrainParallelism:   opts.DrainParallelism,
		Compressor:         opts.QueueCompressor,
		ParkThresholdBytes: opts.ParkThresholdBytes,
		DedupeCapacity:     opts.DedupeCapacity,
		Metrics:            metrics.Queue,
	})

	e.monitor = connectivity.NewMonitor(connectivity.Options{
		Logger:        logger,
		Clock:         clk,
		Hooks:         hookManager,
		Debounce:      opts.Debounce,
		Probe:         opts.Probe,
		ProbeInterval: opts.ProbeInterval,
		InitialOnline: opts.InitialOnline,
		OnOnline:      e.connectivityRestored,
	})

	e.executor, err = executor.NewCommitExecutor(executor.Options{
		Logger:         logger,
		Clock:          clk,
		Hooks:          hookManager,
		TracerProvider: opts.TracerProvider,
		Store:          e.store,
		Remote:         opts.Remote,
		Queue:          e.queue,
		Online:         e.monitor.Online,
		CommitTimeout:  opts.CommitTimeout,
		Metrics:        metrics.Executor,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building executor: %w", err)
	}

	if !opts.SkipInitialFetch {
		e.initialFetch = true
	}
	e.remote = opts.Remote
	return e, nil
}

// Start loads the collection (unless skipped) and launches the connectivity
// monitor. Start is not idempotent; an engine starts once.
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.stateMu.Unlock()
		return &core.InvariantViolationError{Message: "engine started twice"}
	}
	e.started = true
	e.stateMu.Unlock()

	if err := e.hooks.Trigger(ctx, hooks.NewPreStartEngineEvent()); err != nil {
		return fmt.Errorf("engine: pre-start hook: %w", err)
	}

	if e.initialFetch {
		records, err := e.remote.List(ctx)
		if err != nil {
			// An unreachable store at startup is the offline case, not a
			// fatal one; the collection fills in on the first refetch.
			e.logger.Warn("initial fetch failed, starting empty", "error", err)
		} else {
			e.store.ResetTo(records)
			e.logger.Info("collection loaded", "count", len(records))
		}
	}

	e.monitor.Start(e.baseCtx)
	e.metrics.publishRuntime(e)

	if err := e.hooks.Trigger(ctx, hooks.NewPostStartEngineEvent()); err != nil {
		e.logger.Error("post-start hook failed", "error", err)
	}
	e.logger.Info("engine started", "online", e.monitor.Online())
	return nil
}

// Apply validates the intent, applies it optimistically and routes it to the
// undo ledger or the commit path. The returned view is already the
// post-mutation collection.
func (e *Engine) Apply(ctx context.Context, intent Intent) (Result, error) {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return Result{}, ErrEngineClosed
	}
	e.stateMu.Unlock()

	if !intent.Kind.Valid() {
		return Result{}, &core.InvariantViolationError{Message: fmt.Sprintf("invalid mutation kind %d", intent.Kind)}
	}

	mutation := core.Mutation{
		Kind:           intent.Kind,
		TargetID:       intent.TargetID,
		Payload:        intent.Payload,
		IdempotencyKey: uuid.NewString(),
		SubmittedAt:    e.clock.Now(),
	}

	undoable := intent.Kind.DefaultUndoable()
	if intent.Undoable != nil {
		undoable = *intent.Undoable
	}
	mutation.Undoable = undoable

	if intent.Kind == core.MutationCreate {
		if mutation.TargetID == "" {
			// Provisional identity until the authoritative store assigns one.
			mutation.TargetID = core.RecordID("local-" + uuid.NewString())
		}
	} else {
		if snapshot, ok := e.store.Snapshot(mutation.TargetID); ok {
			mutation.Snapshot = snapshot
		}
	}

	// A target may carry only one undo window at a time; reject before the
	// optimistic apply so nothing needs unwinding.
	if undoable && e.ledger.Has(mutation.TargetID) {
		e.metrics.MutationsRejectedTotal.Add(1)
		return Result{}, &core.InvariantViolationError{
			Message: fmt.Sprintf("target %q already has an active undo window", mutation.TargetID),
		}
	}

	if err := e.hooks.Trigger(ctx, hooks.NewPreMutationApplyEvent(hooks.PreMutationApplyPayload{
		Kind:     mutation.Kind,
		TargetID: mutation.TargetID,
		Payload:  &mutation.Payload,
	})); err != nil {
		e.metrics.MutationsRejectedTotal.Add(1)
		return Result{}, fmt.Errorf("engine: mutation vetoed: %w", err)
	}

	view, err := e.store.Apply(mutation)
	if err != nil {
		e.metrics.MutationsRejectedTotal.Add(1)
		return Result{}, err
	}
	e.metrics.MutationsAppliedTotal.Add(1)

	if err := e.hooks.Trigger(ctx, hooks.NewPostMutationApplyEvent(hooks.PostMutationApplyPayload{
		Kind:     mutation.Kind,
		TargetID: mutation.TargetID,
		Undoable: undoable,
		ListLen:  len(view),
	})); err != nil {
		e.logger.Error("post-apply hook failed", "error", err)
	}

	outcome := make(chan CommitResult, 1)
	e.registerOutcome(mutation.IdempotencyKey, outcome)

	result := Result{View: view, TargetID: mutation.TargetID, Outcome: outcome}

	if undoable {
		handle, err := e.ledger.Begin(mutation, intent.UndoWindow)
		if err != nil {
			// Undo window could not open; unwind the optimistic apply.
			e.deliverOutcome(mutation.IdempotencyKey, CommitResult{State: core.StateTerminalFailure, Err: err})
			if mutation.Snapshot != nil {
				if _, restoreErr := e.store.Restore(mutation.Snapshot); restoreErr != nil {
					e.logger.Error("unwinding rejected undoable mutation failed", "error", restoreErr)
				}
			}
			return Result{}, err
		}
		e.metrics.UndoWindowsOpenedTotal.Add(1)
		result.Undo = func() bool {
			if !handle.Undo() {
				return false
			}
			e.metrics.UndoneTotal.Add(1)
			e.deliverOutcome(mutation.IdempotencyKey, CommitResult{State: core.StateUndone})
			return true
		}
		return result, nil
	}

	e.dispatch(mutation)
	return result, nil
}

// windowElapsed is the ledger handoff: the undo window closed without an
// undo, the mutation proceeds to commit.
func (e *Engine) windowElapsed(mutation core.Mutation) {
	e.dispatch(mutation)
}

// dispatch runs the direct commit path in the background, in per-target
// submission order.
func (e *Engine) dispatch(mutation core.Mutation) {
	wait, done := e.reserveTurn(mutation.TargetID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer done()
		wait()

		outcome, err := e.executor.Commit(e.baseCtx, mutation)
		switch outcome {
		case executor.OutcomeSuccess:
			e.deliverOutcome(mutation.IdempotencyKey, CommitResult{State: core.StateSuccess})
		case executor.OutcomeQueued:
			e.scheduleRedrain()
			e.deliverOutcome(mutation.IdempotencyKey, CommitResult{State: core.StateRetryQueued})
		case executor.OutcomeTerminal:
			e.deliverOutcome(mutation.IdempotencyKey, CommitResult{State: core.StateTerminalFailure, Err: err})
		default:
			e.deliverOutcome(mutation.IdempotencyKey, CommitResult{State: core.StateTerminalFailure, Err: err})
		}
	}()
}

// reserveTurn reserves the caller's place in the target's commit order
// without blocking. wait blocks until every earlier reservation finished.
func (e *Engine) reserveTurn(target core.RecordID) (wait func(), done func()) {
	e.turnsMu.Lock()
	prev := e.turnTails[target]
	ch := make(chan struct{})
	e.turnTails[target] = ch
	e.turnsMu.Unlock()

	wait = func() {
		if prev != nil {
			<-prev
		}
	}
	done = func() {
		e.turnsMu.Lock()
		if e.turnTails[target] == ch {
			delete(e.turnTails, target)
		}
		e.turnsMu.Unlock()
		close(ch)
	}
	return wait, done
}

// connectivityRestored runs on each settled offline-to-online transition.
func (e *Engine) connectivityRestored() {
	e.startDrain()
}

// startDrain runs one drain pass in the background, then re-arms the redrain
// timer for whatever the pass left behind (a requeued suffix pacing its
// backoff, or operations enqueued mid-drain).
func (e *Engine) startDrain() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.queue.Drain(e.baseCtx, e.replay, e.escalate); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("queue drain failed", "error", err)
		}
		e.scheduleRedrain()
	}()
}

// scheduleRedrain arms a timer for the queue's next due replay. Without it,
// a mutation parked while online would strand until the next offline-online
// transition, and its retry budget could never run out.
func (e *Engine) scheduleRedrain() {
	e.stateMu.Lock()
	closed := e.closed
	e.stateMu.Unlock()
	if closed || !e.monitor.Online() {
		return
	}
	due, ok := e.queue.NextDue()
	if !ok {
		return
	}
	delay := due.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}

	e.redrainMu.Lock()
	defer e.redrainMu.Unlock()
	if e.redrainTimer != nil {
		e.redrainTimer.Stop()
	}
	e.redrainTimer = e.clock.AfterFunc(delay, func() {
		if e.monitor.Online() {
			e.startDrain()
		}
	})
}

func (e *Engine) replay(ctx context.Context, op queue.QueuedOperation) (executor.Outcome, error) {
	return e.executor.Attempt(ctx, op.Mutation, op.Sequence, op.Attempts)
}

func (e *Engine) escalate(ctx context.Context, mutation core.Mutation, cause error) {
	terminal := cause
	if !core.IsTerminal(terminal) {
		terminal = &core.TerminalError{Op: mutation.Kind.String(), Message: "retry budget exhausted", Err: cause}
	}
	e.executor.ResolveTerminal(ctx, mutation, terminal)
	e.deliverOutcome(mutation.IdempotencyKey, CommitResult{State: core.StateTerminalFailure, Err: terminal})
}

// View returns the current ordered collection.
func (e *Engine) View() []core.Record {
	return e.store.List()
}

// Get returns the record with the given id.
func (e *Engine) Get(id core.RecordID) (core.Record, bool) {
	return e.store.Get(id)
}

// Refetch replaces the collection with the authoritative listing.
func (e *Engine) Refetch(ctx context.Context) error {
	if !e.executor.Refetch(ctx, "manual refetch") {
		return &core.RetryableError{Op: "list", Message: "refetch failed"}
	}
	return nil
}

// QueueLen returns the number of operations awaiting replay.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// QueueSnapshot returns the queued operations, for pending badges.
func (e *Engine) QueueSnapshot() []queue.SnapshotEntry {
	return e.queue.Snapshot()
}

// PendingUndoCount returns the number of open undo windows.
func (e *Engine) PendingUndoCount() int {
	return e.ledger.Len()
}

// Online reports the settled connectivity state.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// SetOnline feeds a pushed connectivity signal, such as a platform
// online/offline event.
func (e *Engine) SetOnline(online bool) {
	e.monitor.Set(online)
}

// Close shuts the engine down: no further mutations are accepted, pending
// undo windows are cancelled without committing, and in-flight commits get
// a bounded grace period.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	if err := e.hooks.Trigger(context.Background(), hooks.NewPreCloseEngineEvent()); err != nil {
		e.logger.Error("pre-close hook failed", "error", err)
	}

	e.monitor.Stop()
	e.redrainMu.Lock()
	if e.redrainTimer != nil {
		e.redrainTimer.Stop()
	}
	e.redrainMu.Unlock()
	e.ledger.Close()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(shutdownGrace):
		e.logger.Warn("closing with commits still in flight")
	}
	e.cancelBase()

	// Whatever is still unresolved now (cancelled undo windows, commits cut
	// off by the grace period) resolves as cancelled; a caller blocked on an
	// outcome channel must never hang across a shutdown.
	e.outcomesMu.Lock()
	for key, ch := range e.outcomes {
		delete(e.outcomes, key)
		ch <- CommitResult{State: core.StateCancelled, Err: ErrEngineClosed}
	}
	e.outcomesMu.Unlock()

	e.hooks.Stop()
	if err := e.hooks.Trigger(context.Background(), hooks.NewPostCloseEngineEvent()); err != nil {
		e.logger.Error("post-close hook failed", "error", err)
	}
	e.logger.Info("engine closed", "queued", e.queue.Len())
	return nil
}

func (e *Engine) registerOutcome(key string, ch chan CommitResult) {
	e.outcomesMu.Lock()
	defer e.outcomesMu.Unlock()
	e.outcomes[key] = ch
}

// deliverOutcome resolves a mutation's result channel exactly once; later
// resolutions for the same key are dropped.
func (e *Engine) deliverOutcome(key string, result CommitResult) {
	e.outcomesMu.Lock()
	ch, ok := e.outcomes[key]
	if ok {
		delete(e.outcomes, key)
	}
	e.outcomesMu.Unlock()
	if ok {
		ch <- result
	}
}

// Package executor performs the authoritative remote call for a mutation
// after its undo window elapses (or immediately for non-undoable kinds) and
// reconciles the record store with the result. Commits for the same target
// are strictly serialized; distinct targets run concurrently.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
	"github.com/iamthanushgowdap/APSConnect-sub000/internal/clock"
	"github.com/iamthanushgowdap/APSConnect-sub000/remote"
	"github.com/iamthanushgowdap/APSConnect-sub000/store"
)

// DefaultCommitTimeout is the outer deadline imposed on a single remote
// attempt. An attempt still unresolved at the deadline is reclassified as
// retryable; the engine never hangs on a remote call.
const DefaultCommitTimeout = 30 * time.Second

// Outcome is the result of a commit or replay attempt.
type Outcome byte

const (
	// OutcomeSuccess: the remote store confirmed the mutation and the record
	// store was reconciled with the authoritative value.
	OutcomeSuccess Outcome = iota + 1
	// OutcomeRetry: the attempt failed retryably. Returned by Attempt only;
	// the caller (the offline queue) owns requeueing.
	OutcomeRetry
	// OutcomeQueued: the mutation was parked on the offline queue, either
	// because the monitor reports offline, because older operations for the
	// target are already queued, or after a retryable direct-commit failure.
	OutcomeQueued
	// OutcomeTerminal: the remote store rejected the mutation; the record
	// store was rolled back or refetched.
	OutcomeTerminal
)

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeQueued:
		return "queued"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Enqueuer is the slice of the offline queue the executor parks mutations
// on. PendingFor guards the same-target ordering property: a direct commit
// must not overtake operations already queued for its target.
type Enqueuer interface {
	Enqueue(mutation core.Mutation) (core.Sequence, error)
	PendingFor(target core.RecordID) int
}

// Options configures a CommitExecutor.
type Options struct {
	Logger         *slog.Logger
	Clock          clock.Clock
	Hooks          hooks.HookManager
	TracerProvider trace.TracerProvider

	Store  *store.RecordStore
	Remote remote.Operations
	Queue  Enqueuer

	// Online reports the settled connectivity state. Offline commits park on
	// the queue without attempting the remote call.
	Online func() bool

	// CommitTimeout overrides DefaultCommitTimeout when positive.
	CommitTimeout time.Duration

	Metrics *Metrics
}

// CommitExecutor owns the commit path. One instance per engine.
type CommitExecutor struct {
	logger  *slog.Logger
	clock   clock.Clock
	hooks   hooks.HookManager
	tracer  trace.Tracer
	store   *store.RecordStore
	remote  remote.Operations
	queue   Enqueuer
	online  func() bool
	timeout time.Duration
	metrics *Metrics

	// laneTails chains commit attempts per target: each entrant parks behind
	// the previous tail channel, giving strict FIFO within a target.
	mu        sync.Mutex
	laneTails map[core.RecordID]chan struct{}
}

// NewCommitExecutor creates an executor. Store, Remote and Queue are
// required.
func NewCommitExecutor(opts Options) (*CommitExecutor, error) {
	if opts.Store == nil {
		return nil, errors.New("executor: Store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("executor: Remote is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("executor: Queue is required")
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
	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer("github.com/iamthanushgowdap/APSConnect-sub000/executor")
	} else {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	timeout := opts.CommitTimeout
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &CommitExecutor{
		logger:    logger.With("component", "CommitExecutor"),
		clock:     clk,
		hooks:     hookManager,
		tracer:    tracer,
		store:     opts.Store,
		remote:    opts.Remote,
		queue:     opts.Queue,
		online:    online,
		timeout:   timeout,
		metrics:   metrics,
		laneTails: make(map[core.RecordID]chan struct{}),
	}, nil
}

// Commit is the direct commit path, entered when an undo window elapses or a
// non-undoable mutation is applied. When offline, or when the target already
// has queued operations, the mutation parks on the queue instead so the
// per-target order never inverts.
func (e *CommitExecutor) Commit(ctx context.Context, mutation core.Mutation) (Outcome, error) {
	if !e.online() {
		return e.park(mutation, "offline")
	}
	if e.queue.PendingFor(mutation.TargetID) > 0 {
		return e.park(mutation, "queued operations precede this target")
	}

	outcome, err := e.Attempt(ctx, mutation, 0, 1)
	if outcome == OutcomeRetry {
		return e.park(mutation, err.Error())
	}
	return outcome, err
}

// Attempt performs one remote attempt inside the target's lane and
// reconciles the store on success or terminal failure. The queue replays
// through Attempt so a replay and a direct commit can never interleave on
// one target. seq and attempt only annotate diagnostics.
func (e *CommitExecutor) Attempt(ctx context.Context, mutation core.Mutation, seq core.Sequence, attempt int) (Outcome, error) {
	release := e.acquireLane(mutation.TargetID)
	defer release()
	return e.attemptLocked(ctx, mutation, seq, attempt)
}

func (e *CommitExecutor) attemptLocked(ctx context.Context, mutation core.Mutation, seq core.Sequence, attempt int) (Outcome, error) {
	op := mutation.Kind.String()
	start := e.clock.Now()

	ctx, span := e.tracer.Start(ctx, "CommitExecutor.Attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("mutation.kind", op),
		attribute.String("mutation.target_id", string(mutation.TargetID)),
		attribute.Int("mutation.attempt", attempt),
	)

	e.metrics.CommitsStartedTotal.Add(1)
	e.trigger(hooks.NewCommitStartedEvent(hooks.CommitStartedPayload{
		Kind:     mutation.Kind,
		TargetID: mutation.TargetID,
		Sequence: seq,
		Attempt:  attempt,
	}))

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	attemptCtx = remote.ContextWithIdempotencyKey(attemptCtx, mutation.IdempotencyKey)

	authoritative, err := e.call(attemptCtx, mutation)
	duration := e.clock.Now().Sub(start)

	if err == nil {
		if recErr := e.reconcile(mutation, authoritative); recErr != nil {
			// Reconciliation can only fail on integration bugs; the remote
			// effect already happened, so the fallback is a refetch.
			e.logger.Error("reconciliation failed after successful commit",
				"kind", op, "target_id", string(mutation.TargetID), "error", recErr)
			e.Refetch(ctx, "reconciliation failure")
		}
		e.metrics.CommitSuccessTotal.Add(1)
		e.metrics.observeLatency(duration.Seconds())
		span.SetAttributes(attribute.String("commit.outcome", "success"))
		e.trigger(hooks.NewCommitSucceededEvent(hooks.CommitSucceededPayload{
			Kind:       mutation.Kind,
			TargetID:   mutation.TargetID,
			AssignedID: authoritative.ID,
			Duration:   duration,
		}))
		e.logger.Debug("commit succeeded", "kind", op, "target_id", string(mutation.TargetID), "duration", duration)
		return OutcomeSuccess, nil
	}

	err = remote.Classify(op, err)
	if core.IsTerminal(err) {
		rolledBack, refetched := e.ResolveTerminal(ctx, mutation, err)
		e.metrics.CommitTerminalTotal.Add(1)
		span.SetAttributes(attribute.String("commit.outcome", "terminal"))
		e.trigger(hooks.NewCommitTerminalFailureEvent(hooks.CommitTerminalFailurePayload{
			Kind:       mutation.Kind,
			TargetID:   mutation.TargetID,
			Err:        err,
			RolledBack: rolledBack,
			Refetched:  refetched,
		}))
		e.logger.Warn("commit rejected by remote store",
			"kind", op, "target_id", string(mutation.TargetID),
			"rolled_back", rolledBack, "refetched", refetched, "error", err)
		return OutcomeTerminal, err
	}

	e.metrics.CommitRetryTotal.Add(1)
	span.SetAttributes(attribute.String("commit.outcome", "retry"))
	e.logger.Debug("commit attempt failed retryably", "kind", op, "target_id", string(mutation.TargetID), "error", err)
	return OutcomeRetry, err
}

// call dispatches the mutation to its remote operation.
func (e *CommitExecutor) call(ctx context.Context, mutation core.Mutation) (core.Record, error) {
	switch mutation.Kind {
	case core.MutationCreate:
		return e.remote.Create(ctx, mutation.Payload)
	case core.MutationUpdate:
		return e.remote.Update(ctx, mutation.TargetID, mutation.Payload)
	case core.MutationPatchField:
		return e.remote.PatchField(ctx, mutation.TargetID, mutation.Payload)
	case core.MutationDelete:
		return core.Record{}, e.remote.Delete(ctx, mutation.TargetID)
	default:
		return core.Record{}, &core.InvariantViolationError{Message: fmt.Sprintf("unknown mutation kind %d", mutation.Kind)}
	}
}

// reconcile folds the authoritative response back into the store. The
// authoritative value always wins over the optimistic one; for creates the
// provisional id is rebound to the server-assigned one.
func (e *CommitExecutor) reconcile(mutation core.Mutation, authoritative core.Record) error {
	switch mutation.Kind {
	case core.MutationDelete:
		// The record is already absent locally; a confirmed delete changes
		// nothing.
		return nil
	default:
		_, err := e.store.Replace(mutation.TargetID, authoritative)
		return err
	}
}

// ResolveTerminal reverses the optimistic effect of a mutation the remote
// store rejected. Snapshot-based rollback is preferred; without a snapshot
// the whole collection is refetched as the correctness fallback. Also used
// by the queue when a replay exhausts its retry budget.
func (e *CommitExecutor) ResolveTerminal(ctx context.Context, mutation core.Mutation, cause error) (rolledBack, refetched bool) {
	e.metrics.RollbacksTotal.Add(1)

	switch mutation.Kind {
	case core.MutationCreate:
		// Remove the optimistically inserted record.
		if _, err := e.store.Apply(core.Mutation{Kind: core.MutationDelete, TargetID: mutation.TargetID}); err != nil {
			e.logger.Error("rollback of optimistic create failed", "target_id", string(mutation.TargetID), "error", err)
			return false, e.Refetch(ctx, "create rollback failure")
		}
		return true, false

	case core.MutationUpdate, core.MutationPatchField:
		if mutation.Snapshot == nil {
			return false, e.Refetch(ctx, "no snapshot for update rollback")
		}
		if _, err := e.store.Replace(mutation.TargetID, mutation.Snapshot.Record); err != nil {
			e.logger.Error("rollback of optimistic update failed", "target_id", string(mutation.TargetID), "error", err)
			return false, e.Refetch(ctx, "update rollback failure")
		}
		return true, false

	case core.MutationDelete:
		if mutation.Snapshot == nil {
			return false, e.Refetch(ctx, "no snapshot for delete rollback")
		}
		if _, err := e.store.Restore(mutation.Snapshot); err != nil {
			e.logger.Error("rollback of optimistic delete failed", "target_id", string(mutation.TargetID), "error", err)
			return false, e.Refetch(ctx, "delete rollback failure")
		}
		return true, false

	default:
		return false, false
	}
}

// Refetch replaces the collection with the authoritative listing. Reports
// whether the refetch succeeded.
func (e *CommitExecutor) Refetch(ctx context.Context, reason string) bool {
	records, err := e.remote.List(ctx)
	if err != nil {
		e.logger.Error("refetch fallback failed", "reason", reason, "error", err)
		return false
	}
	e.store.ResetTo(records)
	e.metrics.RefetchesTotal.Add(1)
	e.trigger(hooks.NewCollectionRefetchedEvent(hooks.CollectionRefetchedPayload{
		Count:  len(records),
		Reason: reason,
	}))
	e.logger.Info("collection refetched", "reason", reason, "count", len(records))
	return true
}

// park pushes the mutation onto the offline queue.
func (e *CommitExecutor) park(mutation core.Mutation, reason string) (Outcome, error) {
	seq, err := e.queue.Enqueue(mutation)
	if err != nil {
		// Duplicate of an already-resolved operation: nothing left to do.
		e.logger.Debug("enqueue refused", "target_id", string(mutation.TargetID), "error", err)
		return OutcomeSuccess, nil
	}
	e.metrics.CommitQueuedTotal.Add(1)
	e.trigger(hooks.NewCommitRetryQueuedEvent(hooks.CommitRetryQueuedPayload{
		Kind:     mutation.Kind,
		TargetID: mutation.TargetID,
		Sequence: seq,
		Reason:   reason,
	}))
	e.logger.Info("mutation parked on offline queue",
		"kind", mutation.Kind.String(), "target_id", string(mutation.TargetID),
		"sequence", uint64(seq), "reason", reason)
	return OutcomeQueued, nil
}

// acquireLane blocks until every earlier entrant for the target has
// released, then returns the release function. Entrants chain in arrival
// order, so the lane is strict FIFO.
func (e *CommitExecutor) acquireLane(target core.RecordID) func() {
	e.mu.Lock()
	prev := e.laneTails[target]
	ch := make(chan struct{})
	e.laneTails[target] = ch
	e.mu.Unlock()

	if prev != nil {
		<-prev
	}
	return func() {
		e.mu.Lock()
		if e.laneTails[target] == ch {
			delete(e.laneTails, target)
		}
		e.mu.Unlock()
		close(ch)
	}
}

func (e *CommitExecutor) trigger(event hooks.HookEvent) {
	if err := e.hooks.Trigger(context.Background(), event); err != nil {
		e.logger.Error("hook trigger failed", "event", string(event.Type()), "error", err)
	}
}

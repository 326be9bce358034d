// Package queue holds mutations that could not reach the remote store. The
// queue is durable for the session only; replay preserves submission order
// per target, and a bounded retry budget escalates hopeless operations
// instead of queueing them forever.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	backoff "github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/iamthanushgowdap/APSConnect-sub000/cache"
	"github.com/iamthanushgowdap/APSConnect-sub000/compressors"
	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/executor"
	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
	"github.com/iamthanushgowdap/APSConnect-sub000/internal/clock"
)

const (
	// DefaultMaxAttempts is the replay budget per operation; the attempt
	// that would exceed it escalates to a terminal failure instead.
	DefaultMaxAttempts = 5

	// DefaultMaxAge bounds how long an operation may wait for connectivity,
	// measured from its original submission.
	DefaultMaxAge = 24 * time.Hour

	// DefaultDrainParallelism caps how many targets drain concurrently.
	DefaultDrainParallelism = 4

	// DefaultParkThreshold is the payload size above which a parked
	// operation's payload is compressed.
	DefaultParkThreshold = 4 * 1024

	// DefaultDedupeCapacity sizes the resolved-key memory.
	DefaultDedupeCapacity = 512
)

// ErrAlreadyResolved reports an enqueue whose idempotency key was already
// replayed to a terminal outcome; a second entry would produce a second
// remote-visible effect.
var ErrAlreadyResolved = errors.New("queue: operation already resolved")

// ReplayFunc performs one replay attempt for a queued operation. The engine
// wires this to the executor's Attempt, so replays share the per-target
// commit lanes with direct commits.
type ReplayFunc func(ctx context.Context, op QueuedOperation) (executor.Outcome, error)

// EscalateFunc reverses the optimistic effect of an operation whose retry
// budget ran out. The engine wires this to the executor's terminal path.
type EscalateFunc func(ctx context.Context, mutation core.Mutation, cause error)

// QueuedOperation is one parked mutation plus its replay bookkeeping.
type QueuedOperation struct {
	Sequence   core.Sequence
	Mutation   core.Mutation
	Attempts   int
	EnqueuedAt time.Time

	// NextAttemptAt gates replay pacing; a drain skips operations that are
	// not due yet.
	NextAttemptAt time.Time

	parked     []byte
	parkedType compressors.CompressionType
	pacing     *backoff.ExponentialBackOff
}

// Options configures an OfflineQueue.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock
	Hooks  hooks.HookManager

	MaxAttempts      int
	MaxAge           time.Duration
	DrainParallelism int

	// Compressor parks large payloads compressed. Nil keeps payloads as is.
	Compressor         compressors.Compressor
	ParkThresholdBytes int

	DedupeCapacity int

	Metrics *Metrics
}

// OfflineQueue is the session-durable FIFO of mutations awaiting
// connectivity.
type OfflineQueue struct {
	logger      *slog.Logger
	clock       clock.Clock
	hooks       hooks.HookManager
	maxAttempts int
	maxAge      time.Duration
	parallelism int
	compressor  compressors.Compressor
	parkLimit   int
	metrics     *Metrics

	mu         sync.Mutex
	nextSeq    core.Sequence
	entries    []*QueuedOperation
	queuedKeys map[string]core.Sequence
	acked      *roaring64.Bitmap
	resolved   *cache.LRUCache

	// pendingByTarget counts unacked operations per target, including those
	// a drain pass has taken ownership of. Decremented only when an
	// operation resolves (replayed, terminal, escalated), never when a
	// failed suffix is merely requeued, so PendingFor stays truthful for
	// the whole life of an operation.
	pendingByTarget map[core.RecordID]int

	// drainMu serializes drains; the monitor debounces transitions but a
	// manual drain may race the automatic one.
	drainMu sync.Mutex
}

// NewOfflineQueue creates an empty queue.
func NewOfflineQueue(opts Options) *OfflineQueue {
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
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	parallelism := opts.DrainParallelism
	if parallelism <= 0 {
		parallelism = DefaultDrainParallelism
	}
	parkLimit := opts.ParkThresholdBytes
	if parkLimit <= 0 {
		parkLimit = DefaultParkThreshold
	}
	dedupeCapacity := opts.DedupeCapacity
	if dedupeCapacity <= 0 {
		dedupeCapacity = DefaultDedupeCapacity
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	q := &OfflineQueue{
		logger:          logger.With("component", "OfflineQueue"),
		clock:           clk,
		hooks:           hookManager,
		maxAttempts:     maxAttempts,
		maxAge:          maxAge,
		parallelism:     parallelism,
		compressor:      opts.Compressor,
		parkLimit:       parkLimit,
		metrics:         metrics,
		queuedKeys:      make(map[string]core.Sequence),
		acked:           roaring64.New(),
		resolved:        cache.NewLRUCache(dedupeCapacity, nil),
		pendingByTarget: make(map[core.RecordID]int),
	}
	q.resolved.SetMetrics(metrics.DedupeHits, metrics.DedupeMisses)
	return q
}

// Enqueue appends the mutation with the next sequence number. Enqueue is
// idempotent per idempotency key: a key already queued returns its existing
// sequence, and a key already resolved is refused with ErrAlreadyResolved.
func (q *OfflineQueue) Enqueue(mutation core.Mutation) (core.Sequence, error) {
	if mutation.IdempotencyKey == "" {
		return 0, &core.InvariantViolationError{Message: "enqueue without an idempotency key"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.resolved.Get(mutation.IdempotencyKey); ok {
		q.metrics.DedupedTotal.Add(1)
		return 0, ErrAlreadyResolved
	}
	if seq, ok := q.queuedKeys[mutation.IdempotencyKey]; ok {
		q.metrics.DedupedTotal.Add(1)
		return seq, nil
	}

	q.nextSeq++
	op := &QueuedOperation{
		Sequence:   q.nextSeq,
		Mutation:   mutation,
		EnqueuedAt: q.clock.Now(),
		pacing:     newPacing(),
	}
	q.park(op)
	q.entries = append(q.entries, op)
	q.queuedKeys[mutation.IdempotencyKey] = op.Sequence
	q.pendingByTarget[mutation.TargetID]++
	q.metrics.EnqueuedTotal.Add(1)

	q.logger.Debug("operation enqueued",
		"kind", mutation.Kind.String(),
		"target_id", string(mutation.TargetID),
		"sequence", uint64(op.Sequence))
	return op.Sequence, nil
}

// Len returns the number of queued operations.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// PendingFor returns how many unacked operations target the given record.
// The count covers operations a drain pass currently owns and operations
// waiting out a backoff window, not just the visible backlog: a direct
// commit consulting it must park behind every older operation for its
// target, or the remote store could observe the newer effect first.
func (q *OfflineQueue) PendingFor(target core.RecordID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingByTarget[target]
}

// NextDue returns the earliest time any queued operation becomes due for
// replay, and false when the backlog is empty. A freshly parked operation
// has no pacing deadline yet and is due immediately.
func (q *OfflineQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	earliest := q.entries[0].NextAttemptAt
	for _, op := range q.entries[1:] {
		if op.NextAttemptAt.Before(earliest) {
			earliest = op.NextAttemptAt
		}
	}
	return earliest, true
}

// Snapshot returns a copy of the queue in sequence order, for UI badges and
// diagnostics panels. Parked payloads are not expanded.
type SnapshotEntry struct {
	Sequence   core.Sequence
	Kind       core.MutationKind
	TargetID   core.RecordID
	Attempts   int
	EnqueuedAt time.Time
}

func (q *OfflineQueue) Snapshot() []SnapshotEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SnapshotEntry, 0, len(q.entries))
	for _, op := range q.entries {
		out = append(out, SnapshotEntry{
			Sequence:   op.Sequence,
			Kind:       op.Mutation.Kind,
			TargetID:   op.Mutation.TargetID,
			Attempts:   op.Attempts,
			EnqueuedAt: op.EnqueuedAt,
		})
	}
	return out
}

// Acked reports whether the sequence was already replayed successfully.
func (q *OfflineQueue) Acked(seq core.Sequence) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked.Contains(uint64(seq))
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Replayed  int
	Requeued  int
	Escalated int
	Duration  time.Duration
}

// Drain replays queued operations: strictly in sequence order per target,
// distinct targets in parallel. A failure on one target requeues that
// target's remaining suffix without aborting the others. Called by the
// connectivity monitor on each settled offline-to-online transition.
func (q *OfflineQueue) Drain(ctx context.Context, replay ReplayFunc, escalate EscalateFunc) (DrainStats, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	start := q.clock.Now()

	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return DrainStats{}, nil
	}
	// Take ownership of the current backlog; suffixes that fail again are
	// merged back afterwards. Operations enqueued during the drain are a
	// later backlog and stay untouched.
	taken := q.entries
	q.entries = nil
	groups := make(map[core.RecordID][]*QueuedOperation)
	order := make([]core.RecordID, 0)
	for _, op := range taken {
		if _, seen := groups[op.Mutation.TargetID]; !seen {
			order = append(order, op.Mutation.TargetID)
		}
		groups[op.Mutation.TargetID] = append(groups[op.Mutation.TargetID], op)
	}
	q.mu.Unlock()

	q.trigger(hooks.NewQueueDrainStartedEvent(hooks.QueueDrainStartedPayload{
		Pending: len(taken),
		Targets: len(order),
	}))
	q.logger.Info("queue drain started", "pending", len(taken), "targets", len(order))

	var statsMu sync.Mutex
	stats := DrainStats{}
	var requeued []*QueuedOperation

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.parallelism)
	for _, target := range order {
		ops := groups[target]
		g.Go(func() error {
			rest := q.drainTarget(gctx, ops, replay, escalate, &stats, &statsMu)
			if len(rest) > 0 {
				statsMu.Lock()
				requeued = append(requeued, rest...)
				stats.Requeued += len(rest)
				statsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(requeued) > 0 {
		q.requeue(requeued)
	}

	stats.Duration = q.clock.Now().Sub(start)
	q.trigger(hooks.NewQueueDrainFinishedEvent(hooks.QueueDrainFinishedPayload{
		Replayed:  stats.Replayed,
		Requeued:  stats.Requeued,
		Escalated: stats.Escalated,
		Duration:  stats.Duration,
	}))
	q.logger.Info("queue drain finished",
		"replayed", stats.Replayed, "requeued", stats.Requeued,
		"escalated", stats.Escalated, "duration", stats.Duration)
	return stats, ctx.Err()
}

// drainTarget replays one target's operations in order. It returns the
// suffix that must be requeued, or nil when the target fully drained.
func (q *OfflineQueue) drainTarget(ctx context.Context, ops []*QueuedOperation, replay ReplayFunc, escalate EscalateFunc, stats *DrainStats, statsMu *sync.Mutex) []*QueuedOperation {
	for i, op := range ops {
		if ctx.Err() != nil {
			return ops[i:]
		}
		if op.NextAttemptAt.After(q.clock.Now()) {
			// Not due yet; the suffix keeps its order for the next drain.
			return ops[i:]
		}

		key := op.Mutation.IdempotencyKey
		if _, ok := q.resolvedOutcome(key); ok {
			// A duplicate of an operation that already took effect.
			q.ack(op)
			continue
		}

		if age := q.clock.Now().Sub(op.Mutation.SubmittedAt); age >= q.maxAge {
			q.escalateOp(ctx, op, fmt.Errorf("operation exceeded max age %s", q.maxAge), escalate, stats, statsMu)
			continue
		}

		if err := q.unpark(op); err != nil {
			q.logger.Error("unparking queued payload failed", "sequence", uint64(op.Sequence), "error", err)
			q.escalateOp(ctx, op, err, escalate, stats, statsMu)
			continue
		}

		op.Attempts++
		outcome, err := replay(ctx, *op)
		switch outcome {
		case executor.OutcomeSuccess:
			q.markResolved(key, "replayed")
			q.ack(op)
			statsMu.Lock()
			stats.Replayed++
			statsMu.Unlock()
			q.metrics.ReplayedTotal.Add(1)
			q.trigger(hooks.NewReplaySucceededEvent(hooks.ReplaySucceededPayload{
				Kind:     op.Mutation.Kind,
				TargetID: op.Mutation.TargetID,
				Sequence: op.Sequence,
				Attempts: op.Attempts,
			}))

		case executor.OutcomeTerminal:
			// The executor already rolled back and reported the failure;
			// the operation is finished either way.
			q.markResolved(key, "terminal")
			q.ack(op)

		default:
			if op.Attempts >= q.maxAttempts {
				q.escalateOp(ctx, op, err, escalate, stats, statsMu)
				continue
			}
			op.NextAttemptAt = q.clock.Now().Add(op.pacing.NextBackOff())
			q.metrics.RequeuedTotal.Add(1)
			return ops[i:]
		}
	}
	return nil
}

func (q *OfflineQueue) escalateOp(ctx context.Context, op *QueuedOperation, cause error, escalate EscalateFunc, stats *DrainStats, statsMu *sync.Mutex) {
	if err := q.unpark(op); err != nil {
		q.logger.Error("unparking payload for escalation failed", "sequence", uint64(op.Sequence), "error", err)
	}
	age := q.clock.Now().Sub(op.Mutation.SubmittedAt)
	q.logger.Warn("queued operation escalated to terminal",
		"kind", op.Mutation.Kind.String(),
		"target_id", string(op.Mutation.TargetID),
		"attempts", op.Attempts, "age", age, "error", cause)

	if escalate != nil {
		escalate(ctx, op.Mutation, cause)
	}
	q.markResolved(op.Mutation.IdempotencyKey, "escalated")
	q.ack(op)
	statsMu.Lock()
	stats.Escalated++
	statsMu.Unlock()
	q.metrics.EscalatedTotal.Add(1)
	q.trigger(hooks.NewReplayEscalatedEvent(hooks.ReplayEscalatedPayload{
		Kind:     op.Mutation.Kind,
		TargetID: op.Mutation.TargetID,
		Sequence: op.Sequence,
		Attempts: op.Attempts,
		Age:      age,
		Err:      cause,
	}))
}

// requeue merges a failed suffix back, keeping global sequence order with
// anything enqueued while the drain ran.
func (q *OfflineQueue) requeue(ops []*QueuedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, ops...)
	sort.Slice(q.entries, func(i, j int) bool {
		return q.entries[i].Sequence < q.entries[j].Sequence
	})
}

func (q *OfflineQueue) ack(op *QueuedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked.Add(uint64(op.Sequence))
	delete(q.queuedKeys, op.Mutation.IdempotencyKey)
	target := op.Mutation.TargetID
	if q.pendingByTarget[target] <= 1 {
		delete(q.pendingByTarget, target)
	} else {
		q.pendingByTarget[target]--
	}
}

func (q *OfflineQueue) markResolved(key, outcome string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolved.Put(key, outcome)
}

func (q *OfflineQueue) resolvedOutcome(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.resolved.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// park compresses the payload of a large operation while it waits. The
// payload is serialized with the typed binary codec, not JSON, so a replayed
// payload is identical to the submitted one (JSON would re-type every int as
// a float). The compression type travels with the entry so a later
// configuration change cannot strand parked data.
func (q *OfflineQueue) park(op *QueuedOperation) {
	if q.compressor == nil || q.compressor.Type() == compressors.CompressionNone || len(op.Mutation.Payload) == 0 {
		return
	}
	raw, err := op.Mutation.Payload.Encode()
	if err != nil || len(raw) < q.parkLimit {
		return
	}
	compressed, err := q.compressor.Compress(raw)
	if err != nil {
		q.logger.Warn("parking compression failed, keeping payload uncompressed", "error", err)
		return
	}
	op.parked = compressed
	op.parkedType = q.compressor.Type()
	op.Mutation.Payload = nil
	q.metrics.ParkedBytesTotal.Add(int64(len(compressed)))
}

func (q *OfflineQueue) unpark(op *QueuedOperation) error {
	if op.parked == nil {
		return nil
	}
	c, err := compressors.ForType(op.parkedType)
	if err != nil {
		return err
	}
	rc, err := c.Decompress(op.parked)
	if err != nil {
		return err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	payload, err := core.DecodeFieldsFromBytes(raw)
	if err != nil {
		return err
	}
	op.Mutation.Payload = payload
	op.parked = nil
	return nil
}

func (q *OfflineQueue) trigger(event hooks.HookEvent) {
	if err := q.hooks.Trigger(context.Background(), event); err != nil {
		q.logger.Error("hook trigger failed", "event", string(event.Type()), "error", err)
	}
}

// newPacing builds the per-operation retry schedule.
func newPacing() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

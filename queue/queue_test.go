package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamthanushgowdap/APSConnect-sub000/compressors"
	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/executor"
	"github.com/iamthanushgowdap/APSConnect-sub000/internal/clock"
	"github.com/iamthanushgowdap/APSConnect-sub000/remote/fake"
	"github.com/iamthanushgowdap/APSConnect-sub000/store"
)

func newTestQueue(t *testing.T, opts Options) (*OfflineQueue, *clock.MockClock) {
	t.Helper()
	mock := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts.Clock = mock
	return NewOfflineQueue(opts), mock
}

func mutationFor(kind core.MutationKind, target core.RecordID, key string, at time.Time) core.Mutation {
	return core.Mutation{Kind: kind, TargetID: target, IdempotencyKey: key, SubmittedAt: at}
}

func fieldsFromMap(t *testing.T, m map[string]interface{}) core.FieldValues {
	t.Helper()
	fv, err := core.NewFieldValuesFromMap(m)
	require.NoError(t, err)
	return fv
}

func TestEnqueue_AssignsIncreasingSequences(t *testing.T) {
	q, mock := newTestQueue(t, Options{})

	s1, err := q.Enqueue(mutationFor(core.MutationDelete, "a", "k1", mock.Now()))
	require.NoError(t, err)
	s2, err := q.Enqueue(mutationFor(core.MutationUpdate, "b", "k2", mock.Now()))
	require.NoError(t, err)

	assert.Less(t, uint64(s1), uint64(s2))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.PendingFor("a"))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, s1, snap[0].Sequence)
	assert.Equal(t, s2, snap[1].Sequence)
}

func TestEnqueue_DuplicateKeyReturnsSameSequence(t *testing.T) {
	q, mock := newTestQueue(t, Options{})

	m := mutationFor(core.MutationDelete, "a", "k1", mock.Now())
	s1, err := q.Enqueue(m)
	require.NoError(t, err)
	s2, err := q.Enqueue(m)
	require.NoError(t, err)

	assert.Equal(t, s1, s2, "duplicate enqueue must be idempotent")
	assert.Equal(t, 1, q.Len())
}

func TestEnqueue_MissingKeyIsInvariantViolation(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.Enqueue(core.Mutation{Kind: core.MutationDelete, TargetID: "a"})
	assert.True(t, core.IsInvariantViolation(err))
}

func TestDrain_ReplaysInSequenceOrderPerTarget(t *testing.T) {
	q, mock := newTestQueue(t, Options{})

	for i, key := range []string{"k1", "k2", "k3"} {
		kind := core.MutationUpdate
		if i == 2 {
			kind = core.MutationDelete
		}
		_, err := q.Enqueue(mutationFor(kind, "a", key, mock.Now()))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(mutationFor(core.MutationDelete, "b", "k4", mock.Now()))
	require.NoError(t, err)

	var mu sync.Mutex
	replayedFor := make(map[core.RecordID][]core.Sequence)
	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		replayedFor[op.Mutation.TargetID] = append(replayedFor[op.Mutation.TargetID], op.Sequence)
		return executor.OutcomeSuccess, nil
	}

	stats, err := q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Replayed)
	assert.Equal(t, 0, q.Len())

	require.Len(t, replayedFor["a"], 3)
	assert.True(t, replayedFor["a"][0] < replayedFor["a"][1] && replayedFor["a"][1] < replayedFor["a"][2],
		"per-target replay must preserve sequence order")
	assert.True(t, q.Acked(replayedFor["a"][0]))
}

func TestDrain_FailingTargetRequeuesSuffixOthersProgress(t *testing.T) {
	q, mock := newTestQueue(t, Options{})

	_, err := q.Enqueue(mutationFor(core.MutationUpdate, "a", "k1", mock.Now()))
	require.NoError(t, err)
	_, err = q.Enqueue(mutationFor(core.MutationDelete, "a", "k2", mock.Now()))
	require.NoError(t, err)
	_, err = q.Enqueue(mutationFor(core.MutationDelete, "b", "k3", mock.Now()))
	require.NoError(t, err)

	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		if op.Mutation.TargetID == "a" {
			return executor.OutcomeRetry, &core.RetryableError{Op: "replay", Message: "still unreachable"}
		}
		return executor.OutcomeSuccess, nil
	}

	stats, err := q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed, "target b drains despite a's failure")
	assert.Equal(t, 2, stats.Requeued, "a's whole suffix is requeued, order intact")
	assert.Equal(t, 2, q.PendingFor("a"))
	assert.Equal(t, 0, q.PendingFor("b"))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, core.MutationUpdate, snap[0].Kind, "the failed head keeps its place")
}

func TestDrain_RespectsBackoffPacing(t *testing.T) {
	q, mock := newTestQueue(t, Options{})
	_, err := q.Enqueue(mutationFor(core.MutationDelete, "a", "k1", mock.Now()))
	require.NoError(t, err)

	calls := 0
	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		calls++
		return executor.OutcomeRetry, &core.RetryableError{Op: "replay", Message: "down"}
	}

	_, err = q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// A drain before the backoff deadline must not retry the operation.
	_, err = q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "not due yet")

	mock.Advance(time.Minute)
	_, err = q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDrain_EscalatesAfterAttemptBudget(t *testing.T) {
	q, mock := newTestQueue(t, Options{MaxAttempts: 2})
	_, err := q.Enqueue(mutationFor(core.MutationDelete, "a", "k1", mock.Now()))
	require.NoError(t, err)

	var escalated []core.Mutation
	escalate := func(ctx context.Context, m core.Mutation, cause error) {
		escalated = append(escalated, m)
	}
	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		return executor.OutcomeRetry, &core.RetryableError{Op: "replay", Message: "down"}
	}

	for i := 0; i < 3; i++ {
		_, err = q.Drain(context.Background(), replay, escalate)
		require.NoError(t, err)
		mock.Advance(time.Minute)
	}

	require.Len(t, escalated, 1, "the attempt exceeding the budget escalates")
	assert.Equal(t, core.RecordID("a"), escalated[0].TargetID)
	assert.Equal(t, 0, q.Len())

	// The escalated key is resolved; re-enqueueing it is refused.
	_, err = q.Enqueue(mutationFor(core.MutationDelete, "a", "k1", mock.Now()))
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestDrain_EscalatesExpiredOperationsWithoutReplaying(t *testing.T) {
	q, mock := newTestQueue(t, Options{MaxAge: time.Hour})
	_, err := q.Enqueue(mutationFor(core.MutationDelete, "a", "k1", mock.Now().Add(-2*time.Hour)))
	require.NoError(t, err)

	replayCalls := 0
	escalations := 0
	stats, err := q.Drain(context.Background(),
		func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
			replayCalls++
			return executor.OutcomeSuccess, nil
		},
		func(ctx context.Context, m core.Mutation, cause error) { escalations++ })
	require.NoError(t, err)

	assert.Equal(t, 0, replayCalls, "expired operations never reach the remote store")
	assert.Equal(t, 1, escalations)
	assert.Equal(t, 1, stats.Escalated)
}

func TestDrain_ResolvedDuplicateShortCircuits(t *testing.T) {
	q, mock := newTestQueue(t, Options{})

	m := mutationFor(core.MutationDelete, "a", "k1", mock.Now())
	_, err := q.Enqueue(m)
	require.NoError(t, err)

	calls := 0
	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		calls++
		return executor.OutcomeSuccess, nil
	}
	_, err = q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// The key resolved; a duplicate cannot re-enter the queue.
	_, err = q.Enqueue(m)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, 1, calls, "at most one remote-visible effect per idempotency key")
}

func TestPendingFor_CountsOperationsOwnedByARunningDrain(t *testing.T) {
	q, mock := newTestQueue(t, Options{})
	_, err := q.Enqueue(mutationFor(core.MutationUpdate, "a", "k1", mock.Now()))
	require.NoError(t, err)

	inFlight := make(chan struct{})
	release := make(chan struct{})
	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		close(inFlight)
		<-release
		return executor.OutcomeRetry, &core.RetryableError{Op: "replay", Message: "down"}
	}

	done := make(chan struct{})
	go func() {
		_, _ = q.Drain(context.Background(), replay, nil)
		close(done)
	}()

	<-inFlight
	assert.Equal(t, 1, q.PendingFor("a"),
		"an operation a drain owns still blocks direct commits for its target")
	close(release)
	<-done

	// The failed operation is pacing its backoff; still pending.
	assert.Equal(t, 1, q.PendingFor("a"))

	mock.Advance(time.Minute)
	_, err = q.Drain(context.Background(), func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		return executor.OutcomeSuccess, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, q.PendingFor("a"))
}

func TestDrain_DirectCommitCannotOvertakeQueuedReplay(t *testing.T) {
	q, mock := newTestQueue(t, Options{})
	st := store.NewRecordStore(store.Options{})
	rem := fake.New()
	rem.Seed(core.Record{ID: "club-1", Fields: fieldsFromMap(t, map[string]interface{}{"name": "v0"})})
	st.ResetTo([]core.Record{{ID: "club-1", Fields: fieldsFromMap(t, map[string]interface{}{"name": "v0"})}})

	exec, err := executor.NewCommitExecutor(executor.Options{
		Store:  st,
		Remote: rem,
		Queue:  q,
		Clock:  mock,
	})
	require.NoError(t, err)
	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		return exec.Attempt(ctx, op.Mutation, op.Sequence, op.Attempts)
	}

	older := core.Mutation{Kind: core.MutationUpdate, TargetID: "club-1",
		Payload: fieldsFromMap(t, map[string]interface{}{"name": "v1"}), IdempotencyKey: "k1", SubmittedAt: mock.Now()}
	_, err = q.Enqueue(older)
	require.NoError(t, err)

	// The first replay fails retryably, leaving the operation pacing its
	// backoff window.
	rem.FailNext("update", &core.RetryableError{Op: "update", Message: "gateway timeout"})
	_, err = q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rem.Calls("update"))

	// A newer direct commit for the same target must park behind the older
	// operation, not run ahead of it.
	newer := core.Mutation{Kind: core.MutationUpdate, TargetID: "club-1",
		Payload: fieldsFromMap(t, map[string]interface{}{"name": "v2"}), IdempotencyKey: "k2", SubmittedAt: mock.Now()}
	outcome, err := exec.Commit(context.Background(), newer)
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeQueued, outcome)
	assert.Equal(t, 1, rem.Calls("update"), "the newer commit must not reach the remote store yet")

	mock.Advance(time.Minute)
	stats, err := q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed)
	assert.Equal(t, 3, rem.Calls("update"))

	rec, ok := rem.Get("club-1")
	require.True(t, ok)
	name, _ := rec.Fields["name"].ValueString()
	assert.Equal(t, "v2", name, "the remote store must end at the newest value")
	rec, ok = st.Get("club-1")
	require.True(t, ok)
	name, _ = rec.Fields["name"].ValueString()
	assert.Equal(t, "v2", name)
}

func TestNextDue_TracksEarliestReplayDeadline(t *testing.T) {
	q, mock := newTestQueue(t, Options{})
	_, ok := q.NextDue()
	assert.False(t, ok, "an empty queue has nothing due")

	_, err := q.Enqueue(mutationFor(core.MutationDelete, "a", "k1", mock.Now()))
	require.NoError(t, err)
	due, ok := q.NextDue()
	require.True(t, ok)
	assert.False(t, due.After(mock.Now()), "a fresh operation is due immediately")

	replay := func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		return executor.OutcomeRetry, &core.RetryableError{Op: "replay", Message: "down"}
	}
	_, err = q.Drain(context.Background(), replay, nil)
	require.NoError(t, err)

	due, ok = q.NextDue()
	require.True(t, ok)
	assert.True(t, due.After(mock.Now()), "a failed operation is due after its backoff")
}

func TestParking_CompressesLargePayloadAndRestoresAtReplay(t *testing.T) {
	q, mock := newTestQueue(t, Options{
		Compressor:         compressors.NewSnappyCompressor(),
		ParkThresholdBytes: 64,
	})

	big := strings.Repeat("campus management offline payload ", 50)
	payload, err := core.NewFieldValuesFromMap(map[string]interface{}{"description": big})
	require.NoError(t, err)

	m := core.Mutation{Kind: core.MutationUpdate, TargetID: "a", Payload: payload, IdempotencyKey: "k1", SubmittedAt: mock.Now()}
	_, err = q.Enqueue(m)
	require.NoError(t, err)
	assert.Greater(t, q.metrics.ParkedBytesTotal.Value(), int64(0), "payload should have parked compressed")

	var replayed core.FieldValues
	_, err = q.Drain(context.Background(), func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		replayed = op.Mutation.Payload
		return executor.OutcomeSuccess, nil
	}, nil)
	require.NoError(t, err)

	require.NotNil(t, replayed)
	desc, ok := replayed["description"].ValueString()
	require.True(t, ok)
	assert.Equal(t, big, desc)
}

func TestParking_PreservesIntTypingAcrossThePark(t *testing.T) {
	q, mock := newTestQueue(t, Options{
		Compressor:         compressors.NewSnappyCompressor(),
		ParkThresholdBytes: 16,
	})

	// An int64 beyond 2^53 cannot survive a float round-trip.
	members := int64(1) << 60
	payload := fieldsFromMap(t, map[string]interface{}{
		"members":     members,
		"description": strings.Repeat("offline budget meeting notes ", 8),
	})

	m := core.Mutation{Kind: core.MutationUpdate, TargetID: "a", Payload: payload, IdempotencyKey: "k1", SubmittedAt: mock.Now()}
	_, err := q.Enqueue(m)
	require.NoError(t, err)
	require.Greater(t, q.metrics.ParkedBytesTotal.Value(), int64(0), "payload should have parked")

	var replayed core.FieldValues
	_, err = q.Drain(context.Background(), func(ctx context.Context, op QueuedOperation) (executor.Outcome, error) {
		replayed = op.Mutation.Payload
		return executor.OutcomeSuccess, nil
	}, nil)
	require.NoError(t, err)

	require.NotNil(t, replayed)
	assert.True(t, payload.Equal(replayed), "the replayed payload must equal the submitted one, type tags included")
	v, ok := replayed["members"].ValueInt64()
	require.True(t, ok, "an int must come back as an int, not a float")
	assert.Equal(t, members, v)
}

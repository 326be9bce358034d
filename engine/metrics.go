package engine

import (
	"expvar"
	"fmt"

	"github.com/iamthanushgowdap/APSConnect-sub000/executor"
	"github.com/iamthanushgowdap/APSConnect-sub000/queue"
)

// EngineMetrics aggregates the expvar variables of one engine instance,
// including the executor's and queue's counters. Tests construct private
// metrics so they never pollute the global expvar namespace.
type EngineMetrics struct {
	PublishedGlobally bool

	MutationsAppliedTotal  *expvar.Int
	MutationsRejectedTotal *expvar.Int
	UndoWindowsOpenedTotal *expvar.Int
	UndoneTotal            *expvar.Int

	Executor *executor.Metrics
	Queue    *queue.Metrics
}

// NewEngineMetrics creates the engine's metrics. With publishGlobally set,
// every variable is registered on the global expvar namespace under the
// given prefix.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	newIntFunc := func(_ string) *expvar.Int { return new(expvar.Int) }
	if publishGlobally {
		newIntFunc = publishExpvarInt
	}

	em := &EngineMetrics{
		PublishedGlobally:      publishGlobally,
		MutationsAppliedTotal:  newIntFunc(prefix + "mutations_applied_total"),
		MutationsRejectedTotal: newIntFunc(prefix + "mutations_rejected_total"),
		UndoWindowsOpenedTotal: newIntFunc(prefix + "undo_windows_opened_total"),
		UndoneTotal:            newIntFunc(prefix + "mutations_undone_total"),
		Executor:               executor.NewMetrics(),
		Queue:                  queue.NewMetrics(),
	}

	if publishGlobally {
		publishExpvarVar(prefix+"commits_started_total", em.Executor.CommitsStartedTotal)
		publishExpvarVar(prefix+"commit_success_total", em.Executor.CommitSuccessTotal)
		publishExpvarVar(prefix+"commit_retry_total", em.Executor.CommitRetryTotal)
		publishExpvarVar(prefix+"commit_queued_total", em.Executor.CommitQueuedTotal)
		publishExpvarVar(prefix+"commit_terminal_total", em.Executor.CommitTerminalTotal)
		publishExpvarVar(prefix+"rollbacks_total", em.Executor.RollbacksTotal)
		publishExpvarVar(prefix+"refetches_total", em.Executor.RefetchesTotal)
		publishExpvarFunc(prefix+"commit_latency_seconds", func() interface{} {
			return em.Executor.LatencyQuantiles()
		})

		publishExpvarVar(prefix+"queue_enqueued_total", em.Queue.EnqueuedTotal)
		publishExpvarVar(prefix+"queue_deduped_total", em.Queue.DedupedTotal)
		publishExpvarVar(prefix+"queue_replayed_total", em.Queue.ReplayedTotal)
		publishExpvarVar(prefix+"queue_requeued_total", em.Queue.RequeuedTotal)
		publishExpvarVar(prefix+"queue_escalated_total", em.Queue.EscalatedTotal)
		publishExpvarVar(prefix+"queue_parked_bytes_total", em.Queue.ParkedBytesTotal)
		publishExpvarVar(prefix+"queue_dedupe_hits", em.Queue.DedupeHits)
		publishExpvarVar(prefix+"queue_dedupe_misses", em.Queue.DedupeMisses)
	}
	return em
}

// publishRuntime registers gauges that read live engine state. Only globally
// published metrics expose them.
func (em *EngineMetrics) publishRuntime(e *Engine) {
	if !em.PublishedGlobally {
		return
	}
	publishExpvarFunc("engine_collection_length", func() interface{} {
		return e.store.Len()
	})
	publishExpvarFunc("engine_queue_length", func() interface{} {
		return e.queue.Len()
	})
	publishExpvarFunc("engine_pending_undo_count", func() interface{} {
		return e.ledger.Len()
	})
	publishExpvarFunc("engine_online", func() interface{} {
		if e.monitor.Online() {
			return 1
		}
		return 0
	})
}

// publishExpvarInt safely publishes an expvar.Int. An existing Int under the
// same name is reset and reused; a name bound to a different type panics.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarVar publishes an existing variable, skipping names already
// registered since expvar.Publish panics on reuse.
func publishExpvarVar(name string, v expvar.Var) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, v)
}

// publishExpvarFunc safely publishes an expvar.Func.
func publishExpvarFunc(name string, f func() interface{}) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(f))
}

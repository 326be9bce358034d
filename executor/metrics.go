package executor

import (
	"expvar"
	"sync"

	tdigest "github.com/caio/go-tdigest/v4"
)

// Metrics holds the executor's expvar counters and its commit latency
// digest. The engine publishes them; a nil-constructed executor keeps
// private vars so tests never pollute the global expvar namespace.
type Metrics struct {
	CommitsStartedTotal *expvar.Int
	CommitSuccessTotal  *expvar.Int
	CommitRetryTotal    *expvar.Int
	CommitQueuedTotal   *expvar.Int
	CommitTerminalTotal *expvar.Int
	RollbacksTotal      *expvar.Int
	RefetchesTotal      *expvar.Int

	mu      sync.Mutex
	latency *tdigest.TDigest
}

// NewMetrics creates unpublished metrics.
func NewMetrics() *Metrics {
	td, err := tdigest.New()
	if err != nil {
		// tdigest.New only fails on invalid options; none are passed.
		panic(err)
	}
	return &Metrics{
		CommitsStartedTotal: new(expvar.Int),
		CommitSuccessTotal:  new(expvar.Int),
		CommitRetryTotal:    new(expvar.Int),
		CommitQueuedTotal:   new(expvar.Int),
		CommitTerminalTotal: new(expvar.Int),
		RollbacksTotal:      new(expvar.Int),
		RefetchesTotal:      new(expvar.Int),
		latency:             td,
	}
}

func (m *Metrics) observeLatency(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.latency.AddWeighted(seconds, 1)
}

// LatencyQuantiles returns commit latency quantiles in seconds, shaped for
// an expvar.Func.
func (m *Metrics) LatencyQuantiles() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latency.Count() == 0 {
		return map[string]float64{}
	}
	return map[string]float64{
		"p50": m.latency.Quantile(0.50),
		"p90": m.latency.Quantile(0.90),
		"p99": m.latency.Quantile(0.99),
	}
}

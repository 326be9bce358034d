package queue

import "expvar"

// Metrics holds the queue's expvar counters. The engine publishes them.
type Metrics struct {
	EnqueuedTotal    *expvar.Int
	DedupedTotal     *expvar.Int
	ReplayedTotal    *expvar.Int
	RequeuedTotal    *expvar.Int
	EscalatedTotal   *expvar.Int
	ParkedBytesTotal *expvar.Int
	DedupeHits       *expvar.Int
	DedupeMisses     *expvar.Int
}

// NewMetrics creates unpublished metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EnqueuedTotal:    new(expvar.Int),
		DedupedTotal:     new(expvar.Int),
		ReplayedTotal:    new(expvar.Int),
		RequeuedTotal:    new(expvar.Int),
		EscalatedTotal:   new(expvar.Int),
		ParkedBytesTotal: new(expvar.Int),
		DedupeHits:       new(expvar.Int),
		DedupeMisses:     new(expvar.Int),
	}
}

package search

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics tracks coordinator counters. Atomics serve the hot path; the otel
// instruments mirror them for external collection (no-op without an SDK).
type Metrics struct {
	Queries          atomic.Int64
	CacheHits        atomic.Int64
	TotalLatencyNs   atomic.Int64
	LastLatencyNs    atomic.Int64
	PendingVectorAdd atomic.Int64

	queryCounter metric.Int64Counter
	hitCounter   metric.Int64Counter
	latencyHist  metric.Float64Histogram
}

func newMetrics() *Metrics {
	meter := otel.Meter("github.com/thebtf/cortex/internal/search")

	m := &Metrics{}
	m.queryCounter, _ = meter.Int64Counter("cortex.search.queries")
	m.hitCounter, _ = meter.Int64Counter("cortex.search.cache_hits")
	m.latencyHist, _ = meter.Float64Histogram("cortex.search.latency_ms")
	return m
}

func (m *Metrics) recordQuery(ctx context.Context, latency time.Duration) {
	m.Queries.Add(1)
	m.TotalLatencyNs.Add(latency.Nanoseconds())
	m.LastLatencyNs.Store(latency.Nanoseconds())
	if m.queryCounter != nil {
		m.queryCounter.Add(ctx, 1)
	}
	if m.latencyHist != nil {
		m.latencyHist.Record(ctx, float64(latency.Nanoseconds())/1e6)
	}
}

func (m *Metrics) recordCacheHit(ctx context.Context) {
	m.CacheHits.Add(1)
	if m.hitCounter != nil {
		m.hitCounter.Add(ctx, 1)
	}
}

// Snapshot is the exported metrics view.
type Snapshot struct {
	Queries           int64         `json:"queries"`
	CacheHits         int64         `json:"cache_hits"`
	AvgLatency        time.Duration `json:"avg_latency_ns"`
	LastLatency       time.Duration `json:"last_latency_ns"`
	PendingVectorAdds int64         `json:"pending_vector_adds"`
}

func (m *Metrics) snapshot() Snapshot {
	queries := m.Queries.Load()
	var avg time.Duration
	if queries > 0 {
		avg = time.Duration(m.TotalLatencyNs.Load() / queries)
	}
	return Snapshot{
		Queries:           queries,
		CacheHits:         m.CacheHits.Load(),
		AvgLatency:        avg,
		LastLatency:       time.Duration(m.LastLatencyNs.Load()),
		PendingVectorAdds: m.PendingVectorAdd.Load(),
	}
}

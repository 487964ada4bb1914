// Package monitoring exposes the engine's Prometheus instrumentation.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine records into. Construct once at
// startup and inject wherever instrumentation happens.
type Metrics struct {
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	ProviderCalls *prometheus.CounterVec
	ActiveStreams prometheus.Gauge
	ActiveTasks   prometheus.Gauge
	ChunksUsed    prometheus.Histogram
}

// New registers all collectors against reg. Passing prometheus.DefaultRegisterer
// wires them into the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_queries_total",
			Help: "Total RAG queries processed, by delivery mode and outcome.",
		}, []string{"mode", "status"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rag_query_duration_seconds",
			Help:    "End-to-end query latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rag_stage_duration_seconds",
			Help:    "Per-stage pipeline latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rag_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rag_cache_misses_total",
			Help: "Response cache misses.",
		}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_provider_calls_total",
			Help: "LLM provider calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rag_active_streams",
			Help: "Streaming responses currently in flight.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rag_active_async_tasks",
			Help: "Async query tasks currently pending or running.",
		}),
		ChunksUsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_context_chunks_used",
			Help:    "Chunks that made it into the assembled context.",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		}),
	}
	reg.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.StageDuration,
		m.CacheHits,
		m.CacheMisses,
		m.ProviderCalls,
		m.ActiveStreams,
		m.ActiveTasks,
		m.ChunksUsed,
	)
	return m
}

// NewNop returns metrics registered against a throwaway registry, for tests
// and callers that do not export.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveStage records one stage's elapsed time.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

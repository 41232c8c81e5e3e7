// Package observability provides Prometheus metrics for the ingestion and
// search paths.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ProviderBuckets covers embedding provider latencies from 50ms to 60s.
var ProviderBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// SearchesTotal counts similarity searches by the tier that produced
	// the answer and its outcome.
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwork_searches_total",
			Help: "Similarity searches",
		},
		[]string{"tier", "outcome"},
	)

	// SearchFallbackTotal counts searches that fell back to local scoring.
	SearchFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwork_search_fallback_total",
			Help: "Searches served by the local fallback",
		},
		[]string{"reason"},
	)

	// SearchSkippedChunksTotal counts stored chunks ignored during a local
	// scan because their vectors were unusable.
	SearchSkippedChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "groundwork_search_skipped_chunks_total",
			Help: "Chunks skipped during local scoring",
		},
	)

	// SearchDuration records search latency in seconds by tier.
	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundwork_search_duration_seconds",
			Help:    "Search duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	// EmbeddingRequestsTotal counts calls to embedding providers.
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwork_embedding_requests_total",
			Help: "Embedding provider requests",
		},
		[]string{"provider", "status"},
	)

	// EmbeddingLatency records embedding provider latency in seconds.
	EmbeddingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundwork_embedding_latency_seconds",
			Help:    "Embedding provider latency",
			Buckets: ProviderBuckets,
		},
		[]string{"provider"},
	)

	// SourcesProcessedTotal counts processing runs by terminal status.
	SourcesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwork_sources_processed_total",
			Help: "Processed sources",
		},
		[]string{"status"},
	)

	// BulkItemsTotal counts bulk load items by outcome.
	BulkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwork_bulk_items_total",
			Help: "Bulk load items",
		},
		[]string{"outcome"},
	)

	// JobsTotal counts queued job executions by type and result.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundwork_jobs_total",
			Help: "Job executions",
		},
		[]string{"type", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		SearchesTotal,
		SearchFallbackTotal,
		SearchSkippedChunksTotal,
		SearchDuration,
		EmbeddingRequestsTotal,
		EmbeddingLatency,
		SourcesProcessedTotal,
		BulkItemsTotal,
		JobsTotal,
	)
}

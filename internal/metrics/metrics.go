package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksIndexed tracks blocks covered by completed range windows
	BlocksIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_blocks_indexed_total",
			Help: "Total number of blocks covered by completed range windows",
		},
		[]string{"contract"},
	)

	// RangesIncomplete tracks ranges still being scanned per contract
	RangesIncomplete = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_ranges_incomplete",
			Help: "Number of index ranges not yet complete",
		},
		[]string{"contract"},
	)

	// RecordsIngested tracks upserted rows by kind and source
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_records_ingested_total",
			Help: "Total number of rows written by ingestion",
		},
		[]string{"kind", "source"},
	)

	// RPCCallsTotal tracks RPC calls per endpoint and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"endpoint", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per endpoint
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"endpoint", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// UpstreamResults tracks tagged results from third-party APIs
	UpstreamResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_upstream_results_total",
			Help: "Results returned by third-party APIs, by outcome",
		},
		[]string{"api", "outcome"},
	)

	// PagedForcedCompletions tracks loop and overrun stops of the paginated indexer
	PagedForcedCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_paged_forced_completions_total",
			Help: "Paginated backfills force-completed by loop or overrun detection",
		},
		[]string{"reason"},
	)

	// JobsProcessed tracks job outcomes
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_jobs_processed_total",
			Help: "Jobs finished by the queue, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// JobDuration tracks handler run time
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
		},
		[]string{"type"},
	)

	// EnrichmentPending tracks the last observed gap size per contract
	EnrichmentPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_enrichment_pending",
			Help: "Transactions without an enrichment row",
		},
		[]string{"contract"},
	)

	// EnrichmentOutcomes tracks per-hash enrichment results
	EnrichmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_enrichment_outcomes_total",
			Help: "Per-hash enrichment outcomes",
		},
		[]string{"outcome"},
	)

	// WorkerRestarts tracks stale sub-worker kills
	WorkerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indexer_enrich_worker_restarts_total",
			Help: "Enrichment sub-workers killed for staleness and respawned",
		},
	)

	// CircuitState is 0 closed, 1 half-open, 2 open
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// HTTPRequests tracks admin API requests
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_http_requests_total",
			Help: "Admin API requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
)

// CircuitStateValue maps a breaker state name to the gauge value
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	ChunkRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_chunk_records_total",
		Help: "Records processed by chunk workers, by snapshot kind and outcome.",
	}, []string{"kind", "outcome"})

	ChunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_chunk_seconds",
		Help:    "Time spent processing one chunk attempt.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	SnapshotActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_snapshot_activations_total",
		Help: "Snapshot activations, by kind.",
	}, []string{"kind"})

	ReconciledEntitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_reconciled_entities_total",
		Help: "Catalog entities created by reconciliation, by entity kind.",
	}, []string{"entity_kind"})

	ReconcileBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_reconcile_batches_total",
		Help: "Reconciliation batches finished, by outcome.",
	}, []string{"outcome"})

	VectorsRecomputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_vectors_recomputed_total",
		Help: "Search index rank vectors recomputed.",
	})

	SearchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_search_requests_total",
		Help: "Search requests, by cache result (hit, miss, empty).",
	}, []string{"result"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_search_seconds",
		Help:    "Latency of a search including cache lookup and ranking.",
		Buckets: prometheus.DefBuckets,
	})

	CacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_cache_errors_total",
		Help: "Cache operations that failed and degraded to storage, by operation.",
	}, []string{"op"})

	SuspiciousQueriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_suspicious_queries_total",
		Help: "Search queries flagged by injection screening and excluded from the query log.",
	})

	QueueTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "catalog_queue_tasks",
		Help: "Tasks in background queues, by queue and status.",
	}, []string{"queue", "status"})
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_http_requests_total",
		Help: "HTTP requests served, by route pattern and status class.",
	}, []string{"route", "class"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_http_request_seconds",
		Help:    "HTTP request latency, by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Package metrics holds the Prometheus collectors shared by the pipeline stages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chain

	ChainRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_chain_requests_total",
			Help: "Upstream chain RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	ChainRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hivediscover_chain_request_duration_seconds",
			Help:    "Latency of upstream chain RPC calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Ingestion

	IngestBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hivediscover_ingest_blocks_total",
			Help: "Blocks processed by the ingestion pipeline",
		},
	)

	IngestCurrentBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hivediscover_ingest_current_block",
			Help: "Last persisted ingestion checkpoint",
		},
	)

	IngestHeadLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hivediscover_ingest_head_lag_blocks",
			Help: "Distance between the chain head and the checkpoint",
		},
	)

	ContentInsertTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_content_insert_total",
			Help: "Content insert attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProfilesBackfilledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_profiles_backfilled_total",
			Help: "Profile backfill results by outcome",
		},
		[]string{"outcome"},
	)

	// Batched writes

	BatchOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_batch_ops_total",
			Help: "Deferred write ops flushed, by collection and result",
		},
		[]string{"collection", "result"},
	)

	// Analyzer and feed

	AnalyzerSweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_analyzer_sweeps_total",
			Help: "Account history sweeps by outcome",
		},
		[]string{"outcome"},
	)

	AnalyzerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hivediscover_analyzer_inflight",
			Help: "Account sweeps currently running",
		},
	)

	FeedItemsAdmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hivediscover_feed_items_admitted_total",
			Help: "Content ids admitted into account feeds",
		},
	)

	FeedRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_feed_runs_total",
			Help: "Feed generator loops by exit reason",
		},
		[]string{"reason"},
	)

	FeedInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hivediscover_feed_inflight",
			Help: "Feed generator loops currently running",
		},
	)

	// Similarity index

	IndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hivediscover_index_size",
			Help: "Vectors in the live similarity index",
		},
	)

	IndexRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hivediscover_index_rebuild_duration_seconds",
			Help:    "Time spent building a new similarity index",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Categorizer

	CategorizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_categorized_total",
			Help: "Content records categorized, by outcome",
		},
		[]string{"outcome"},
	)

	ReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivediscover_reconciled_total",
			Help: "Orphaned content ids repaired by the reconciler, by action",
		},
		[]string{"action"},
	)
)

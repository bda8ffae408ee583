package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AnchorJobs counts anchor queue transitions by result (enqueued|duplicate|completed|retried|failed).
	AnchorJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credledger_anchor_jobs_total",
			Help: "Anchor write jobs by lifecycle result",
		},
		[]string{"result"},
	)

	// AnchorInFlight tracks anchor writes currently awaiting the anchor service.
	AnchorInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credledger_anchor_in_flight",
			Help: "Anchor writes currently in flight",
		},
	)

	// AnchorWriteLatency measures anchor service round trips.
	AnchorWriteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credledger_anchor_write_seconds",
			Help:    "Anchor service write latency",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// SyncItems counts processed provider items by outcome (created|skipped|error).
	SyncItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credledger_sync_items_total",
			Help: "Provider items processed by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// SyncRuns counts provider cycles by result (completed|failed).
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credledger_sync_runs_total",
			Help: "Provider sync cycles by result",
		},
		[]string{"provider", "result"},
	)

	// SchedulerSkippedTicks counts ticks dropped because a cycle was still running.
	SchedulerSkippedTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credledger_scheduler_skipped_ticks_total",
			Help: "Scheduler ticks skipped due to an in-flight cycle",
		},
	)

	// Verifications counts verification outcomes (VALID|INVALID|error).
	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credledger_verifications_total",
			Help: "Credential verifications by status",
		},
		[]string{"status"},
	)

	// EnrichmentTasks counts background enrichment submissions by result (ok|error|dropped).
	EnrichmentTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credledger_enrichment_tasks_total",
			Help: "Enrichment tasks by result",
		},
		[]string{"result"},
	)

	// APIInFlight tracks HTTP requests currently being served.
	APIInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credledger_api_in_flight_requests",
			Help: "HTTP requests currently being served",
		},
	)

	// APILatency measures HTTP request latencies by route template.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credledger_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-wide collectors. Registered on the default registry and served from
// /metrics by the API.

var (
	DetectorFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aml_detector_findings_total",
		Help: "Findings produced, by detector type",
	}, []string{"detector"})

	AlertsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aml_alerts_recorded_total",
		Help: "Alerts persisted, by type",
	}, []string{"type"})

	AlertsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aml_alerts_deduplicated_total",
		Help: "Alerts suppressed by the dedup window, by type",
	}, []string{"type"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aml_analysis_duration_seconds",
		Help:    "Time to run detectors and risk fusion for one address",
		Buckets: prometheus.DefBuckets,
	})

	RiskScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aml_risk_score",
		Help:    "Distribution of fused risk scores",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aml_ingest_requests_total",
		Help: "Provider calls, by operation and outcome",
	}, []string{"op", "outcome"})

	IngestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aml_ingest_retries_total",
		Help: "Provider calls retried after a retryable error",
	})

	TransfersIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aml_transfers_ingested_total",
		Help: "Transfers written to the graph store",
	})

	JobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aml_jobs_started_total",
		Help: "Automation jobs started, by type",
	}, []string{"type"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aml_jobs_finished_total",
		Help: "Automation jobs reaching a terminal state",
	}, []string{"type", "status"})

	JobsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aml_jobs_running",
		Help: "Automation jobs currently running",
	}, []string{"type"})

	AddressesVisited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aml_job_addresses_visited_total",
		Help: "Addresses analyzed by automation jobs",
	}, []string{"type"})
)

// Package observability holds the prometheus metrics of the scan pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsFinished counts jobs by the status they ended in.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpc_jobs_finished_total",
		Help: "Scan jobs which reached a terminal or paused status",
	}, []string{"status"})

	// JobsRunning is the number of jobs executed by manager workers.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qpc_jobs_running",
		Help: "Scan jobs currently executed by a worker",
	})

	// QueueDepth is the number of jobs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qpc_queue_depth",
		Help: "Scan jobs waiting in the queue",
	})

	// TasksFinished counts tasks by source type, phase and status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpc_tasks_finished_total",
		Help: "Scan tasks which reached a terminal or paused status",
	}, []string{"source_type", "phase", "status"})

	// SystemsProcessed counts per host verdicts of tasks.
	SystemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpc_systems_processed_total",
		Help: "Systems processed by scan tasks by verdict",
	}, []string{"source_type", "phase", "result"})

	// SourceRequests counts HTTP requests sent to sources.
	SourceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpc_source_http_requests_total",
		Help: "HTTP requests sent to sources by response class",
	}, []string{"host", "code"})

	// FingerprintDuration observes fingerprint engine runs.
	FingerprintDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qpc_fingerprint_duration_seconds",
		Help:    "Duration of the fingerprint engine per job",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

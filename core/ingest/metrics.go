package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus 指标
var (
	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackingest_ingest_total",
			Help: "Completed ingestions by outcome",
		},
		[]string{"outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackingest_stage_duration_seconds",
			Help:    "Time spent in each ingestion state",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"stage"},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackingest_rollbacks_total",
			Help: "Rollbacks by the state the ingestion failed in",
		},
		[]string{"stage"},
	)

	cleanupFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackingest_cleanup_failures_total",
		Help: "Undo steps that failed during rollback, delete or reap",
	})

	transcodeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackingest_transcode_total",
			Help: "Successful transcodes by codec path",
		},
		[]string{"method"},
	)

	waveformBackendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackingest_waveform_backend_total",
			Help: "Waveform extractions by decoder backend, or failed",
		},
		[]string{"backend"},
	)

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackingest_queue_depth",
		Help: "Uploads waiting for a dispatcher worker",
	})
)

const (
	outcomePublished  = "published"
	outcomeDegraded   = "published_without_waveform"
	outcomeRolledBack = "rolled_back"
	outcomeRejected   = "rejected"
)

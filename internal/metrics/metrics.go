// Package metrics holds the Prometheus collectors shared across the
// pipeline, cache and API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsByState mirrors the queue so dashboards see the pipeline shape.
	JobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sharkoder_jobs",
		Help: "Jobs currently in each state",
	}, []string{"state"})

	// JobsCompleted counts jobs that reached a terminal state.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharkoder_jobs_finished_total",
		Help: "Jobs that reached a terminal state",
	}, []string{"outcome"})

	// TransferBytes tracks bytes moved to and from the remote.
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharkoder_transfer_bytes_total",
		Help: "Bytes transferred to and from the remote",
	}, []string{"direction"})

	// EncodeDuration tracks wall-clock encode time.
	EncodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sharkoder_encode_duration_seconds",
		Help:    "Wall-clock duration of encodes",
		Buckets: prometheus.ExponentialBuckets(30, 2.0, 12), // 30s to ~1.7d
	}, []string{"gpu"})

	// EncodeSavedBytes accumulates size reduction across completed jobs.
	EncodeSavedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharkoder_encode_saved_bytes_total",
		Help: "Bytes saved by re-encoding, original minus encoded",
	})

	// StageErrors counts stage failures by stage and error kind.
	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharkoder_stage_errors_total",
		Help: "Stage failures by stage and error kind",
	}, []string{"stage", "kind"})

	// IndexDuration tracks full indexation runs.
	IndexDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sharkoder_index_duration_seconds",
		Help:    "Duration of full library indexations",
		Buckets: prometheus.ExponentialBuckets(1, 2.0, 14),
	})
)

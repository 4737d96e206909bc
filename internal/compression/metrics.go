package compression

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	compressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_compression_inputs_total",
			Help: "Raw inputs folded into compressed contexts, by source type",
		},
		[]string{"source_type"},
	)

	compressionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_compression_duration_seconds",
			Help:    "Time spent extracting segments from one raw input",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_type"},
	)

	snapshotsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_compression_snapshots_total",
			Help: "Context snapshots saved, by workflow",
		},
		[]string{"workflow_id"},
	)
)

package knowledge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_knowledge_retrievals_total",
			Help: "Knowledge retrievals by source type and outcome",
		},
		[]string{"source_type", "outcome"},
	)

	retrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_knowledge_retrieval_duration_seconds",
			Help:    "Latency of knowledge backend calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_type"},
	)

	injectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_knowledge_injections_total",
			Help: "Reference injections into compressed contexts",
		},
		[]string{"workflow_id"},
	)
)

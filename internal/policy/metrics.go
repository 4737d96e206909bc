package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_policy_evaluations_total",
			Help: "Supervised decision evaluations by outcome",
		},
		[]string{"decision_type", "outcome"},
	)

	dedupeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_policy_dedupe_hits_total",
			Help: "Decisions skipped because their dedupe triple was already seen",
		},
		[]string{"decision_type"},
	)

	rejectionRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_policy_rejection_rate",
			Help: "Cumulative rejected/total ratio for supervised decisions",
		},
	)
)

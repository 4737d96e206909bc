package failure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	strategyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_failure_strategy_outcomes_total",
			Help: "Node failure handling outcomes by strategy",
		},
		[]string{"strategy", "outcome"},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_failure_retry_attempts_total",
			Help: "Node re-execution attempts made by the RETRY strategy",
		},
		[]string{"workflow_id"},
	)
)

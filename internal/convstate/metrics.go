package convstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_convstate_transitions_total",
			Help: "Conversation state transitions by from and to state",
		},
		[]string{"from", "to"},
	)

	feedbacksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_convstate_pending_feedbacks",
			Help: "Feedback events waiting for the reasoning loop",
		},
	)
)

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_coordinator_active_workflows",
			Help: "Workflows currently tracked as running",
		},
	)

	workflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_coordinator_workflows_completed_total",
			Help: "Workflow completions by final status",
		},
		[]string{"status"},
	)

	nodeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_coordinator_node_events_total",
			Help: "Node execution events folded into state, by status",
		},
		[]string{"status"},
	)
)

package syncsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_sync_decisions_forwarded_total",
			Help: "Validated decisions forwarded to the Workflow agent",
		},
	)

	syncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_sync_errors_total",
			Help: "Sync delivery failures by direction",
		},
		[]string{"direction"},
	)

	canvasChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_sync_canvas_changes_total",
			Help: "Canvas change applications by type and outcome",
		},
		[]string{"change_type", "outcome"},
	)
)

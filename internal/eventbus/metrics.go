package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_eventbus_published_total",
			Help: "Events that passed the middleware chain and were dispatched",
		},
		[]string{"type"},
	)

	eventsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_eventbus_blocked_total",
			Help: "Events blocked by a middleware (nil return, error, or panic)",
		},
		[]string{"type"},
	)

	handlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_eventbus_handler_errors_total",
			Help: "Handler panics recovered during dispatch",
		},
		[]string{"type"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_eventbus_dispatch_duration_seconds",
			Help:    "Time spent in middleware chain plus synchronous dispatch",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~400ms
		},
		[]string{"type"},
	)

	subscriberCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_eventbus_subscribers",
			Help: "Current number of handlers per event type",
		},
		[]string{"type"},
	)
)

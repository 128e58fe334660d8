package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Orders waiting for a worker.",
	})

	orderOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_orders_total",
		Help: "Order lifecycle outcomes handled by the coordinator.",
	}, []string{"outcome"})

	staleUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_stale_updates_total",
		Help: "Agent position reports discarded because a newer one was stored.",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_event_publish_failures_total",
		Help: "Lifecycle events the publisher rejected.",
	})
)

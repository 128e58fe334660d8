package spatial

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spatial_query_seconds",
		Help:    "Latency of nearest-agent queries.",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
	}, []string{"backend"})

	staleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_stale_updates_total",
		Help: "Position reports discarded because a newer one was already indexed.",
	}, []string{"backend"})
)

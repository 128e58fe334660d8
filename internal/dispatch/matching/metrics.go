package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_time_seconds",
		Help:    "Time spent attempting to match an order to an agent.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	claimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_attempts_total",
		Help: "Agent claim attempts grouped by outcome.",
	}, []string{"result"})

	radiusExpansions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_radius_expansions",
		Help:    "Radius expansions needed per match call.",
		Buckets: []float64{0, 1, 2, 3, 4},
	})
)

package throttle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	delaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_throttle_delay_seconds",
		Help:    "Pacing delay applied before a request",
		Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 8, 10, 15},
	})

	penaltiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_throttle_penalties_total",
		Help: "Pacing penalties applied by reason (recent_block, spacing)",
	}, []string{"reason"})
)

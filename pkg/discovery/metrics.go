package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	discoveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_discovery_total",
		Help: "Finished discoveries by terminal status",
	}, []string{"status"})

	softThrottleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_soft_throttle_retries_total",
		Help: "Truncated pages re-requested on a fresh session",
	})

	identifiersRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_identifiers_rejected_total",
		Help: "Candidate identifiers dropped by the format filter",
	})

	strategyRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_strategy_runs_total",
		Help: "Strategy runs by strategy and result (items, empty, failed, skipped)",
	}, []string{"strategy", "result"})
)

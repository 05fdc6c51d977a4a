package credentials

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_credentials_blocked_total",
		Help: "Total number of credential sets moved to blocked",
	})

	credentialsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_credentials_active",
		Help: "Credential sets currently active",
	})

	credentialsLeased = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_credentials_leased",
		Help: "Credential sets currently leased to in-flight operations",
	})

	poolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_pool_exhausted_total",
		Help: "Total number of acquire calls that found every credential set blocked",
	})

	sessionsRetiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_sessions_retired_total",
		Help: "Total number of retired sessions",
	})
)

package token

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_token_extractions_total",
		Help: "Token values extracted by kind and source (header, meta, script, cookie, default)",
	}, []string{"kind", "source"})

	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_token_refreshes_total",
		Help: "Token refreshes by reason and result",
	}, []string{"reason", "result"})
)

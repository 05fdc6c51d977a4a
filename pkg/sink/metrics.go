package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var writesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "harvest_sink_writes_total",
		Help: "Total number of sink writes",
	},
	[]string{"sink", "kind", "result"}, // kind: "discovery", "record"
)

package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entitiesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "harvest_job_entities_total",
		Help: "Total number of entities processed, by discovery status",
	},
	[]string{"status"}, // "success", "partial", "exhausted", "failed"
)

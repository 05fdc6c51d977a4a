package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_extract_items_total",
			Help: "Total number of items processed by extraction",
		},
		[]string{"result"}, // "fetched", "cached", "failed"
	)

	itemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvest_extract_item_duration_seconds",
			Help:    "Time to extract one item, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvfeed_cycles_total",
		Help: "Ingestion cycles by outcome",
	}, []string{"outcome"})

	itemsNewTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tvfeed_items_new_total",
		Help: "Announcements classified as new",
	})

	fanoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvfeed_fanout_total",
		Help: "Per subscriber deliveries by result",
	}, []string{"result"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tvfeed_cycle_duration_seconds",
		Help:    "Duration of ingestion cycles",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms up to ~7min
	})
)

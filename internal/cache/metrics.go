package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"backend"},
	)

	missesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"backend"},
	)

	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted for capacity",
		},
		[]string{"backend"},
	)

	sizeGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached entries",
		},
		[]string{"backend"},
	)
)

func recordHit(backend string)      { hitsTotal.WithLabelValues(backend).Inc() }
func recordMiss(backend string)     { missesTotal.WithLabelValues(backend).Inc() }
func recordEviction(backend string) { evictionsTotal.WithLabelValues(backend).Inc() }

func setSize(backend string, n int) {
	sizeGauge.WithLabelValues(backend).Set(float64(n))
}

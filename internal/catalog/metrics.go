package catalog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "catalog",
			Name:      "operations_total",
			Help:      "Catalog store operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	droppedWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "catalog",
			Name:      "dropped_writes_total",
			Help:      "Registry changes not written to the catalog because the write queue was full",
		},
	)

	appliedChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "catalog",
			Name:      "applied_changes_total",
			Help:      "Remote catalog changes applied to the local registry",
		},
		[]string{"type"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "catalog",
			Name:      "breaker_state",
			Help:      "State of the catalog circuit breaker (0=closed, 1=half-open, 2=open)",
		},
	)
)

func recordOperation(op string, err error) {
	result := "success"
	switch {
	case IsUnavailable(err):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

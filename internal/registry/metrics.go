package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instancesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "registry",
			Name:      "instances",
			Help:      "Number of registered instances per service",
		},
		[]string{"service"},
	)

	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total number of instance registrations",
		},
		[]string{"origin"},
	)

	deregistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "registry",
			Name:      "deregistrations_total",
			Help:      "Total number of instance deregistrations",
		},
		[]string{"reason"},
	)

	statusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "registry",
			Name:      "status_changes_total",
			Help:      "Total number of instance status changes by new status",
		},
		[]string{"status"},
	)
)

func recordInstances(service string, count int) {
	if count == 0 {
		instancesGauge.DeleteLabelValues(service)
		return
	}
	instancesGauge.WithLabelValues(service).Set(float64(count))
}

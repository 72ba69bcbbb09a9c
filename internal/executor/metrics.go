package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total number of executed requests by outcome",
		},
		[]string{"service", "outcome"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end execution duration including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Total number of dispatch attempts by result",
		},
		[]string{"service", "result"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Total number of retries",
		},
		[]string{"service"},
	)
)

package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState shows the current state of each endpoint breaker.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Name:      "circuit_breaker_state",
			Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half_open)",
		},
		[]string{"endpoint"},
	)

	// BreakerRequestsTotal counts admission decisions.
	BreakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Name:      "circuit_breaker_requests_total",
			Help:      "Total number of admission checks by result",
		},
		[]string{"endpoint", "result"},
	)

	// BreakerOutcomesTotal counts recorded outcomes.
	BreakerOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Name:      "circuit_breaker_outcomes_total",
			Help:      "Total number of recorded call outcomes",
		},
		[]string{"endpoint", "outcome"},
	)

	// BreakerTransitionsTotal counts state changes.
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"endpoint", "from", "to"},
	)
)

// RecordState records the current state of a breaker.
func RecordState(name string, state State) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRequest records an admission decision.
func RecordRequest(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	BreakerRequestsTotal.WithLabelValues(name, result).Inc()
}

// RecordFailure records a failed call.
func RecordFailure(name string) {
	BreakerOutcomesTotal.WithLabelValues(name, "failure").Inc()
}

// RecordSuccess records a successful call.
func RecordSuccess(name string) {
	BreakerOutcomesTotal.WithLabelValues(name, "success").Inc()
}

// RecordStateChange records a transition and the new state.
func RecordStateChange(name string, from, to State) {
	BreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	RecordState(name, to)
}

// ForgetMetrics drops the per-endpoint series of a removed breaker.
func ForgetMetrics(name string) {
	BreakerState.DeleteLabelValues(name)
	BreakerRequestsTotal.DeletePartialMatch(prometheus.Labels{"endpoint": name})
	BreakerOutcomesTotal.DeletePartialMatch(prometheus.Labels{"endpoint": name})
	BreakerTransitionsTotal.DeletePartialMatch(prometheus.Labels{"endpoint": name})
}

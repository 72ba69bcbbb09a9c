package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Limiter admits requests per key, typically a client id.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
	Close() error
}

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Config is a per-key token bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

var rejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "ratelimit_rejected_total",
		Help:      "Total number of requests rejected by rate limiting",
	},
	[]string{"scope"},
)

func recordRejected(scope string) {
	rejectedTotal.WithLabelValues(scope).Inc()
}

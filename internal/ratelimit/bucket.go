// Package ratelimit provides token bucket admission control: one bucket per
// endpoint guarding dispatches, and keyed limiters used by the gateway to
// throttle individual clients.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default endpoint bucket parameters.
const (
	DefaultRequestsPerSecond = 100
	DefaultBurst             = 100
)

// TokenBucket is a lazily refilled bucket. Tokens stay within [0, burst].
type TokenBucket struct {
	name    string
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTokenBucket creates a full bucket refilling at rps tokens per second.
// Non-positive values fall back to the defaults.
func NewTokenBucket(name string, rps float64, burst int) *TokenBucket {
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &TokenBucket{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     time.Now,
	}
}

// Allow takes one token if available.
func (b *TokenBucket) Allow() bool {
	allowed := b.limiter.AllowN(b.now(), 1)
	if !allowed {
		recordRejected("endpoint")
	}
	return allowed
}

// Tokens returns the tokens currently available, floored and clamped to [0, burst].
func (b *TokenBucket) Tokens() int {
	t := b.limiter.TokensAt(b.now())
	return int(math.Max(0, math.Min(float64(b.limiter.Burst()), math.Floor(t))))
}

// Rate returns the refill rate and burst.
func (b *TokenBucket) Rate() (float64, int) {
	return float64(b.limiter.Limit()), b.limiter.Burst()
}

// Registry holds one bucket per endpoint id.
type Registry struct {
	buckets sync.Map
	rps     float64
	burst   int
	logger  *zap.Logger
}

// NewRegistry creates a registry whose buckets default to rps and burst.
func NewRegistry(rps float64, burst int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{rps: rps, burst: burst, logger: logger}
}

// GetOrCreate returns the bucket for name. rps and burst apply only when the
// bucket is created; zero values use the registry defaults.
func (r *Registry) GetOrCreate(name string, rps float64, burst int) *TokenBucket {
	if v, ok := r.buckets.Load(name); ok {
		return v.(*TokenBucket)
	}
	if rps <= 0 {
		rps = r.rps
	}
	if burst <= 0 {
		burst = r.burst
	}
	b := NewTokenBucket(name, rps, burst)
	actual, loaded := r.buckets.LoadOrStore(name, b)
	if !loaded {
		r.logger.Debug("created endpoint rate limiter",
			zap.String("name", name),
			zap.Float64("rps", rps),
			zap.Int("burst", burst),
		)
	}
	return actual.(*TokenBucket)
}

// Get returns the bucket for name, or nil.
func (r *Registry) Get(name string) *TokenBucket {
	v, ok := r.buckets.Load(name)
	if !ok {
		return nil
	}
	return v.(*TokenBucket)
}

// Remove discards the bucket for name.
func (r *Registry) Remove(name string) {
	r.buckets.Delete(name)
}

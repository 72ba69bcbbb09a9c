package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client entry retention.
const (
	DefaultClientTTL   = 10 * time.Minute
	MinCleanupInterval = 10 * time.Second
	MaxCleanupInterval = time.Minute
)

var _ Limiter = (*MemoryLimiter)(nil)

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter keeps one token bucket per key in process memory. Idle keys
// are evicted after the client TTL.
type MemoryLimiter struct {
	cfg       Config
	clientTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	clients  map[string]*clientEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClientTTL sets how long an idle key is retained.
func WithClientTTL(ttl time.Duration) MemoryOption {
	return func(l *MemoryLimiter) {
		if ttl > 0 {
			l.clientTTL = ttl
		}
	}
}

// WithLogger sets the limiter logger.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(l *MemoryLimiter) {
		l.logger = logger
	}
}

// NewMemoryLimiter creates a limiter and starts its eviction loop.
func NewMemoryLimiter(cfg Config, opts ...MemoryOption) *MemoryLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
	}

	l := &MemoryLimiter{
		cfg:       cfg,
		clientTTL: DefaultClientTTL,
		logger:    zap.NewNop(),
		now:       time.Now,
		clients:   make(map[string]*clientEntry),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.cleanupLoop()
	return l
}

// Allow takes one token from the bucket for key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (*Result, error) {
	now := l.now()

	l.mu.Lock()
	entry, ok := l.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.clients[key] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	l.mu.Unlock()

	res := &Result{Limit: l.cfg.Burst}
	if limiter.AllowN(now, 1) {
		res.Allowed = true
	} else {
		recordRejected("client")
		res.RetryAfter = time.Duration(float64(time.Second) / l.cfg.RequestsPerSecond)
	}
	res.Remaining = int(math.Max(0, math.Floor(limiter.TokensAt(now))))
	return res, nil
}

// Cleanup evicts keys idle longer than maxAge.
func (l *MemoryLimiter) Cleanup(maxAge time.Duration) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, entry := range l.clients {
		if now.Sub(entry.lastAccess) > maxAge {
			delete(l.clients, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("evicted idle rate limiter entries",
			zap.Int("removed", removed),
			zap.Int("remaining", len(l.clients)),
		)
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the eviction loop.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return nil
}

func (l *MemoryLimiter) cleanupLoop() {
	interval := l.clientTTL / 2
	if interval > MaxCleanupInterval {
		interval = MaxCleanupInterval
	}
	if interval < MinCleanupInterval {
		interval = MinCleanupInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(l.clientTTL)
		case <-l.stopCh:
			return
		}
	}
}

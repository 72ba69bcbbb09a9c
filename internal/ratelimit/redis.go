package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Limiter = (*RedisLimiter)(nil)

// tokenBucketScript refills lazily and takes one token atomically.
// Returns: allowed (0 or 1), remaining tokens, ms until one token is available.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1])
	local last_update = tonumber(data[2])

	if tokens == nil then
		tokens = burst
		last_update = now
	end

	local elapsed = math.max(0, now - last_update) / 1000.0
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	local wait_ms = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	else
		wait_ms = math.ceil((1 - tokens) / rate * 1000)
	end

	redis.call('HSET', key, 'tokens', tostring(tokens), 'last_update', tostring(now))
	redis.call('PEXPIRE', key, math.ceil(burst / rate * 1000) + 1000)

	return {allowed, math.floor(tokens), wait_ms}
`)

var redisFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mesh",
	Name:      "ratelimit_redis_fallback_total",
	Help:      "Total number of admission checks served by the local fallback",
})

// RedisLimiter shares per-key buckets across gateway replicas. When Redis
// fails the decision falls back to a local MemoryLimiter.
type RedisLimiter struct {
	client    redis.UniversalClient
	cfg       Config
	keyPrefix string
	fallback  *MemoryLimiter
	logger    *zap.Logger
	now       func() time.Time
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, cfg Config, keyPrefix string, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := NewMemoryLimiter(cfg, WithLogger(logger))
	return &RedisLimiter{
		client:    client,
		cfg:       fallback.cfg,
		keyPrefix: keyPrefix,
		fallback:  fallback,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow takes one token from the shared bucket for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	res, err := l.allowRedis(ctx, key)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	redisFallbackTotal.Inc()
	l.logger.Warn("redis rate limiter unavailable, using local fallback",
		zap.String("key", key),
		zap.Error(err),
	)
	return l.fallback.Allow(ctx, key)
}

func (l *RedisLimiter) allowRedis(ctx context.Context, key string) (*Result, error) {
	nowMs := l.now().UnixMilli()
	raw, err := tokenBucketScript.Run(ctx, l.client,
		[]string{l.keyPrefix + "rl:" + key},
		l.cfg.RequestsPerSecond, l.cfg.Burst, nowMs,
	).Result()
	if err != nil {
		return nil, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected script result: %v", raw)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	waitMs, _ := values[2].(int64)

	res := &Result{
		Allowed:   allowed == 1,
		Limit:     l.cfg.Burst,
		Remaining: int(math.Max(0, float64(remaining))),
	}
	if !res.Allowed {
		recordRejected("client")
		res.RetryAfter = time.Duration(waitMs) * time.Millisecond
	}
	return res, nil
}

// Close releases the fallback limiter. The Redis client is owned by the caller.
func (l *RedisLimiter) Close() error {
	return l.fallback.Close()
}

package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// Redis stores entries in Redis so that every gateway replica shares them.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    observability.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis wraps client. Keys are stored as keyPrefix + "cache:" + key.
func NewRedis(client redis.UniversalClient, keyPrefix string, logger observability.Logger) *Redis {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix + "cache:",
		logger:    logger,
	}
}

func (c *Redis) key(k string) string {
	return c.keyPrefix + k
}

// Get implements Cache. Redis errors are logged and reported as a miss.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", TypeRedis),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Warn("redis cache get failed",
				observability.String("key", key),
				observability.Error(err),
			)
		}
		c.misses.Add(1)
		recordMiss(TypeRedis)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	c.hits.Add(1)
	recordHit(TypeRedis)
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return val, nil
}

// Set implements Cache.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", TypeRedis),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Delete implements Cache.
func (c *Redis) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Stats implements Cache. Entries is not tracked for Redis.
func (c *Redis) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close closes the client.
func (c *Redis) Close() error {
	return c.client.Close()
}

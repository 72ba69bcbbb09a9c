// Package cache stores gateway responses keyed by request shape. Entries
// expire after a per-entry TTL; the memory backend also evicts least
// recently used entries beyond a size bound.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

const tracerName = "avamesh/cache"

// Backend names.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// Cache is a byte-value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value for ttl. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Stats() Stats
	Close() error
}

// Stats are plain hit and miss counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
}

// HitRate returns hits / (hits + misses), or zero before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New builds the backend selected by cfg. A redis backend dials
// cfg.Redis.URL; use NewRedis to share an existing client.
func New(cfg config.CacheConfig, logger observability.Logger) (Cache, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Type {
	case TypeMemory, "":
		return NewMemory(cfg.MaxEntries, WithLogger(logger)), nil
	case TypeRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return NewRedis(redis.NewClient(opts), cfg.Redis.KeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

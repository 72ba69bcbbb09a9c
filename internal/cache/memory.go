package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// DefaultMaxEntries bounds a memory cache created with a non-positive size.
const DefaultMaxEntries = 10000

// DefaultCleanupInterval is how often expired entries are purged.
const DefaultCleanupInterval = time.Minute

// Memory is an in-process LRU cache.
type Memory struct {
	logger          observability.Logger
	maxEntries      int
	cleanupInterval time.Duration
	now             func() time.Time

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	hits   atomic.Int64
	misses atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithLogger sets the cache logger.
func WithLogger(logger observability.Logger) MemoryOption {
	return func(c *Memory) {
		c.logger = logger
	}
}

// WithCleanupInterval sets the purge interval.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(c *Memory) {
		c.cleanupInterval = d
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(c *Memory) {
		c.now = now
	}
}

// NewMemory creates a memory cache holding at most maxEntries entries.
func NewMemory(maxEntries int, opts ...MemoryOption) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Memory{
		logger:          observability.NopLogger(),
		maxEntries:      maxEntries,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		items:           make(map[string]*list.Element),
		eviction:        list.New(),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.cleanupLoop()

	c.logger.Info("memory cache initialized", observability.Int("max_entries", maxEntries))
	return c
}

// Get implements Cache.
func (c *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", TypeMemory),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if ok {
		entry := elem.Value.(*memoryEntry)
		if entry.expiresAt.IsZero() || c.now().Before(entry.expiresAt) {
			c.eviction.MoveToFront(elem)
			c.hits.Add(1)
			recordHit(TypeMemory)
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return entry.value, nil
		}
		c.removeElement(elem)
	}

	c.misses.Add(1)
	recordMiss(TypeMemory)
	span.SetAttributes(attribute.Bool("cache.hit", false))
	return nil, ErrMiss
}

// Set implements Cache.
func (c *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", TypeMemory),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	entry := &memoryEntry{key: key, value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value = entry
		c.eviction.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.eviction.PushFront(entry)
	for c.eviction.Len() > c.maxEntries {
		if oldest := c.eviction.Back(); oldest != nil {
			c.removeElement(oldest)
			recordEviction(TypeMemory)
		}
	}
	setSize(TypeMemory, c.eviction.Len())
	return nil
}

// Delete implements Cache.
func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Stats implements Cache.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	n := c.eviction.Len()
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: int64(n)}
}

// Close stops the cleanup loop and drops every entry.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		c.items = make(map[string]*list.Element)
		c.eviction.Init()
		c.mu.Unlock()
	})
	return nil
}

// removeElement must be called with mu held.
func (c *Memory) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	delete(c.items, elem.Value.(*memoryEntry).key)
}

func (c *Memory) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Memory) purgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		setSize(TypeMemory, c.eviction.Len())
		c.logger.Debug("expired cache entries purged", observability.Int("removed", removed))
	}
	return removed
}

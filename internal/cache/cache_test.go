package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamesh/internal/config"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T, size int) (*Memory, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(size, withClock(clock.Now), WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestMemory_TTLHitMiss(t *testing.T) {
	t.Parallel()

	c, clock := newMemory(t, 10)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	clock.Advance(59 * time.Second)
	_, err = c.Get(ctx, "k")
	assert.NoError(t, err)

	clock.Advance(time.Second)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(0), stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestMemory_NoExpiry(t *testing.T) {
	t.Parallel()

	c, clock := newMemory(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	clock.Advance(24 * time.Hour)
	_, err := c.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestMemory_LRUEviction(t *testing.T) {
	t.Parallel()

	c, _ := newMemory(t, 2)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss, "b was least recently used")
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), c.Stats().Entries)
}

func TestMemory_OverwriteAndDelete(t *testing.T) {
	t.Parallel()

	c, _ := newMemory(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("old"), 0))
	require.NoError(t, c.Set(ctx, "k", []byte("new"), 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
	assert.Equal(t, int64(1), c.Stats().Entries)

	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "missing"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemory_PurgeExpired(t *testing.T) {
	t.Parallel()

	c, clock := newMemory(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "forever", []byte("3"), 0))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.purgeExpired())
	assert.Equal(t, int64(2), c.Stats().Entries)
}

func TestMemory_CloseIdempotent(t *testing.T) {
	t.Parallel()

	c := NewMemory(0)
	assert.Equal(t, DefaultMaxEntries, c.maxEntries)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestMemory_Concurrent(t *testing.T) {
	t.Parallel()

	c, _ := newMemory(t, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*i)%80)
				_ = c.Set(ctx, key, []byte("v"), time.Minute)
				_, _ = c.Get(ctx, key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().Entries, int64(50))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client, "test:", nil)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedis_TTLHitMiss(t *testing.T) {
	t.Parallel()

	mr, c := setupRedis(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("test:cache:k"))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	mr.FastForward(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestRedis_Delete(t *testing.T) {
	t.Parallel()

	mr, c := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, mr.Exists("test:cache:k"))
}

func TestRedis_ServerDownIsMiss(t *testing.T) {
	t.Parallel()

	mr, c := setupRedis(t)
	mr.Close()

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Error(t, c.Set(context.Background(), "k", []byte("v"), time.Second))
}

func TestNew(t *testing.T) {
	t.Parallel()

	c, err := New(config.CacheConfig{Type: TypeMemory, MaxEntries: 5}, nil)
	require.NoError(t, err)
	require.IsType(t, &Memory{}, c)
	_ = c.Close()

	mr := miniredis.RunT(t)
	c, err = New(config.CacheConfig{Type: TypeRedis, Redis: config.RedisConfig{URL: "redis://" + mr.Addr()}}, nil)
	require.NoError(t, err)
	require.IsType(t, &Redis{}, c)
	_ = c.Close()

	_, err = New(config.CacheConfig{Type: TypeRedis, Redis: config.RedisConfig{URL: "::bad"}}, nil)
	assert.Error(t, err)

	_, err = New(config.CacheConfig{Type: "memcached"}, nil)
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	t.Parallel()

	base := Key("GET", "/items", url.Values{"a": {"1"}, "b": {"2"}}, nil, nil)
	assert.Len(t, base, 64)

	assert.Equal(t, base, Key("get", "/items", url.Values{"b": {"2"}, "a": {"1"}}, nil, nil), "method case and query order do not matter")
	assert.NotEqual(t, base, Key("GET", "/items", url.Values{"a": {"1"}}, nil, nil))
	assert.NotEqual(t, base, Key("GET", "/other", url.Values{"a": {"1"}, "b": {"2"}}, nil, nil))

	h1 := http.Header{"Accept": {"application/json"}, "X-Trace": {"1"}}
	h2 := http.Header{"Accept": {"text/html"}, "X-Trace": {"2"}}
	assert.Equal(t, Key("GET", "/x", nil, h1, nil), Key("GET", "/x", nil, h2, nil), "headers ignored unless varied by")
	assert.NotEqual(t, Key("GET", "/x", nil, h1, []string{"accept"}), Key("GET", "/x", nil, h2, []string{"accept"}))
	assert.Equal(t,
		Key("GET", "/x", nil, h1, []string{"accept", "x-other"}),
		Key("GET", "/x", nil, http.Header{"Accept": {"application/json"}}, []string{"X-Other", "Accept"}),
	)
}

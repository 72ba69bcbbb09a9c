package circuitbreaker

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock drives a breaker deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg *Config) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(t.Name(), cfg, logger)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, DefaultConfig())

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		require.True(t, cb.CanExecute())
		cb.RecordFailure()
		assert.Equal(t, StateClosed, cb.State())
	}

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
	assert.EqualValues(t, 1, cb.Stats().TotalRejections)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, DefaultConfig().WithFailureThreshold(3))

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().Failures)
}

func TestCircuitBreaker_RecoveryTimeout(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Minute)
	cb, clock := newTestBreaker(t, cfg)

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(59 * time.Second)
	assert.False(t, cb.CanExecute())
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_ExpiredOpenReportedUntilCanExecute(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Minute)
	cb, clock := newTestBreaker(t, cfg)

	cb.RecordFailure()
	clock.Advance(2 * time.Minute)

	stats := cb.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.True(t, stats.NextAttempt.Before(clock.Now()))
	assert.Equal(t, StateOpen, cb.State())

	require.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.Stats().State)
	assert.Zero(t, cb.Stats().TotalRejections)
}

func TestCircuitBreaker_HalfOpenCap(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Second).WithHalfOpenMaxCalls(2)
	cb, clock := newTestBreaker(t, cfg)

	cb.RecordFailure()
	clock.Advance(time.Second)

	assert.True(t, cb.CanExecute())
	assert.True(t, cb.CanExecute())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_AbandonReturnsTrialSlot(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Second)
	cb, clock := newTestBreaker(t, cfg)

	cb.Abandon()
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	clock.Advance(time.Second)

	require.True(t, cb.CanExecute())
	require.False(t, cb.CanExecute())
	cb.Abandon()
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenCapConcurrent(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Second).WithHalfOpenMaxCalls(3)
	cb, clock := newTestBreaker(t, cfg)

	cb.RecordFailure()
	clock.Advance(time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.CanExecute() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, admitted.Load())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithFailureThreshold(2).WithRecoveryTimeout(10 * time.Second)
	cb, clock := newTestBreaker(t, cfg)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	// fresh timeout from the reopening, not the original one
	clock.Advance(9 * time.Second)
	assert.False(t, cb.CanExecute())
	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Second)
	cb, clock := newTestBreaker(t, cfg)

	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().Failures)
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	changes := make(chan [2]State, 4)
	cfg := DefaultConfig().WithFailureThreshold(1).WithOnStateChange(func(_ string, from, to State) {
		changes <- [2]State{from, to}
	})
	cb, _ := newTestBreaker(t, cfg)

	cb.RecordFailure()

	select {
	case c := <-changes:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, c)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, DefaultConfig().WithFailureThreshold(1))
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, DefaultConfig().WithFailureThreshold(1))
	name := cb.Name()

	cb.RecordFailure()
	cb.CanExecute()

	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(BreakerState.WithLabelValues(name)))
	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerRequestsTotal.WithLabelValues(name, "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerTransitionsTotal.WithLabelValues(name, "closed", "open")))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := &Config{FailureThreshold: -1}
	cfg.Validate()
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultRecoveryTimeout, cfg.RecoveryTimeout)
	assert.Equal(t, DefaultHalfOpenMaxCalls, cfg.HalfOpenMaxCalls)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())

	b, err := json.Marshal(map[string]State{"s": StateHalfOpen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"half_open"}`, string(b))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig().WithFailureThreshold(1), nil)

	a := r.GetOrCreate("svc-a/0")
	assert.Same(t, a, r.GetOrCreate("svc-a/0"))
	r.GetOrCreate("svc-b/0")
	assert.Equal(t, 2, r.Count())
	assert.Nil(t, r.Get("missing"))

	a.RecordFailure()
	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "svc-a/0", stats[0].Name)
	assert.Equal(t, StateOpen, stats[0].State)

	assert.True(t, r.Reset("svc-a/0"))
	assert.Equal(t, StateClosed, a.State())
	assert.False(t, r.Reset("missing"))

	r.Remove("svc-a/0")
	r.Remove("svc-a/0")
	assert.Equal(t, 1, r.Count())
}

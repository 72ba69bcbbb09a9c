package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamesh/internal/util"
)

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.Delay(tt.attempt))
		})
	}
}

func TestPolicy_DelayDefaults(t *testing.T) {
	t.Parallel()

	var p Policy
	assert.Equal(t, DefaultInitialDelay, p.Delay(1))
	assert.Equal(t, DefaultMaxDelay, p.Delay(100))
	assert.Equal(t, 1, p.Attempts())
	assert.Equal(t, 1, Policy{MaxRetries: -3}.Attempts())
	assert.Equal(t, 4, Policy{MaxRetries: 3}.Attempts())
}

func TestIsRetriable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"upstream 500", util.NewDispatchFailureError("ep", 500, nil), true},
		{"upstream 503", util.NewDispatchFailureError("ep", 503, nil), true},
		{"connection refused", util.NewDispatchFailureError("ep", 0, errors.New("refused")), true},
		{"timeout", util.NewDispatchTimeoutError("ep", time.Second), true},
		{"upstream 400", util.NewDispatchFailureError("ep", 400, nil), false},
		{"upstream 401", util.NewDispatchFailureError("ep", 401, nil), false},
		{"upstream 403", util.NewDispatchFailureError("ep", 403, nil), false},
		{"upstream 404", util.NewDispatchFailureError("ep", 404, nil), false},
		{"upstream 422", util.NewDispatchFailureError("ep", 422, nil), false},
		{"validation", util.NewValidationError("bad"), false},
		{"circuit open", util.NewCircuitOpenError("ep"), false},
		{"rate limited", util.NewRateLimitedError("ep", time.Second), false},
		{"canceled", context.Canceled, false},
		{"no healthy", util.NewNoHealthyInstanceError("orders"), false},
		{"not found", util.NewNotFoundError("service", "orders"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

type recordingSleep struct {
	delays []time.Duration
}

func (s *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	rs := &recordingSleep{}
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		func(_ context.Context, attempt int) error {
			calls++
			assert.Equal(t, calls, attempt)
			if attempt < 3 {
				return util.NewDispatchFailureError("ep", 502, nil)
			}
			return nil
		}, Options{Sleep: rs.sleep})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rs.delays)
}

func TestDo_NonRetriableStopsImmediately(t *testing.T) {
	t.Parallel()

	rs := &recordingSleep{}
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 5}, func(context.Context, int) error {
		calls++
		return util.NewDispatchFailureError("ep", 404, nil)
	}, Options{Sleep: rs.sleep})

	assert.Equal(t, 1, calls)
	assert.Empty(t, rs.delays)
	assert.Equal(t, 404, util.DispatchStatus(err))
	assert.False(t, errors.Is(err, util.ErrRetriesExhausted))
}

func TestDo_ExhaustedWrapsLast(t *testing.T) {
	t.Parallel()

	rs := &recordingSleep{}
	var retried []int
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond},
		func(context.Context, int) error {
			calls++
			return util.NewDispatchFailureError("ep", 500+calls, nil)
		}, Options{
			Service: "orders",
			Sleep:   rs.sleep,
			OnRetry: func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
		})

	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, util.ErrRetriesExhausted)
	assert.ErrorIs(t, err, util.ErrDispatchFailed)
	assert.Equal(t, 504, util.DispatchStatus(err))

	var re *util.RetriesExhaustedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 4, re.Attempts)
	assert.Equal(t, "orders", re.Service)

	assert.Equal(t, []int{1, 2, 3}, retried)
	for i := 1; i < len(rs.delays); i++ {
		assert.GreaterOrEqual(t, rs.delays[i], rs.delays[i-1], "delays never decrease")
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, rs.delays)
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour},
		func(context.Context, int) error {
			calls++
			cancel()
			return util.NewDispatchFailureError("ep", 500, nil)
		}, Options{})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, util.ErrDispatchFailed)
	assert.False(t, errors.Is(err, util.ErrRetriesExhausted))
}

func TestDo_AlreadyCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, Policy{MaxRetries: 2}, func(context.Context, int) error {
		called = true
		return nil
	}, Options{})

	assert.False(t, called)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

// Package retry runs an operation repeatedly with capped exponential
// backoff until it succeeds, fails with a non-retriable error, or exhausts
// its attempts.
package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/util"
)

// Default backoff bounds.
const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
)

// Policy bounds a retry loop. MaxRetries counts additional attempts, so an
// operation runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy returns a policy with no retries and default delays.
func DefaultPolicy() Policy {
	return Policy{InitialDelay: DefaultInitialDelay, MaxDelay: DefaultMaxDelay}
}

// Attempts returns the maximum number of attempts.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the wait after the given failed attempt (1-based):
// min(MaxDelay, InitialDelay * 2^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	d := initial
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

var nonRetriableStatus = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusUnprocessableEntity: true,
}

// IsRetriable reports whether a failed attempt may be tried again.
// Validation errors, empty discovery, client-error upstream statuses, open
// breakers, rate limiting and caller cancellation are final.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, util.ErrInvalidInput),
		errors.Is(err, util.ErrNotFound),
		errors.Is(err, util.ErrNoHealthy),
		errors.Is(err, util.ErrCircuitOpen),
		errors.Is(err, util.ErrRateLimited),
		errors.Is(err, util.ErrUnauthenticated),
		errors.Is(err, util.ErrForbidden):
		return false
	}
	return !nonRetriableStatus[util.DispatchStatus(err)]
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// OnRetryFunc is called before sleeping ahead of the next attempt.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// Options customizes Do.
type Options struct {
	// Service names the target in the exhaustion error.
	Service string
	// Retriable overrides IsRetriable.
	Retriable func(error) bool
	OnRetry   OnRetryFunc
	// Sleep waits for d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn under p. When every attempt fails with a retriable error the
// result is a *util.RetriesExhaustedError wrapping the last one.
func Do(ctx context.Context, p Policy, fn Func, opts Options) error {
	retriable := opts.Retriable
	if retriable == nil {
		retriable = IsRetriable
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	attempts := p.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return util.NewRetriesExhaustedError(opts.Service, attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

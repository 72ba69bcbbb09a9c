// Package circuitbreaker implements the per-endpoint circuit breaker that
// guards dispatches to service instances.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota

	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreaker tracks consecutive failures for one endpoint.
type CircuitBreaker struct {
	name   string
	config *Config
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	halfOpenCalls   int
	lastFailure     time.Time
	nextAttempt     time.Time
	lastStateChange time.Time
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config *Config, logger *zap.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.Validate()

	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:   name,
		config: &cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.lastStateChange = cb.now()
	RecordState(name, StateClosed)
	return cb
}

// CanExecute reports whether a call may proceed. An open circuit whose
// recovery timeout has elapsed moves to half-open and admits the caller as
// its first trial call.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var allowed bool
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !cb.now().Before(cb.nextAttempt) {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenCalls = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			allowed = true
		}
	}

	if !allowed {
		cb.totalRejections++
	}
	RecordRequest(cb.name, allowed)
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.totalSuccesses++
	RecordSuccess(cb.name)

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure counts a failure. Reaching the threshold while closed, or
// any failure while half-open, opens the circuit with a fresh timeout.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.totalFailures++
	cb.lastFailure = cb.now()
	RecordFailure(cb.name)

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// Abandon returns the trial slot of an admitted call that was never
// dispatched. It has no effect outside half-open.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(to State) {
	from := cb.state
	if from == to {
		return
	}

	now := cb.now()
	cb.state = to
	cb.lastStateChange = now
	cb.halfOpenCalls = 0

	switch to {
	case StateOpen:
		cb.nextAttempt = now.Add(cb.config.RecoveryTimeout)
	case StateClosed:
		cb.failures = 0
		cb.nextAttempt = time.Time{}
	}

	RecordStateChange(cb.name, from, to)
	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, from, to)
	}
}

// State returns the current state. It does not advance an expired open
// circuit; only CanExecute does. Until then State, Stats and the admin
// breaker list report open with a NextAttempt in the past.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failures = 0
	cb.logger.Info("circuit breaker reset", zap.String("name", cb.name))
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailure     time.Time `json:"lastFailure,omitempty"`
	NextAttempt     time.Time `json:"nextAttempt,omitempty"`
	LastStateChange time.Time `json:"lastStateChange"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalRejections int64     `json:"totalRejections"`
}

// Stats returns the current statistics of the circuit breaker. Like State,
// it reports an expired open circuit as open.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		LastFailure:     cb.lastFailure,
		NextAttempt:     cb.nextAttempt,
		LastStateChange: cb.lastStateChange,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
	}
}

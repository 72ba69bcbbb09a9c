package circuitbreaker

import "time"

// Default configuration values.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a trial call.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls int

	// OnStateChange is invoked asynchronously after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
		HalfOpenMaxCalls: DefaultHalfOpenMaxCalls,
	}
}

// Validate replaces non-positive values with defaults.
func (c *Config) Validate() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithRecoveryTimeout sets the recovery timeout.
func (c *Config) WithRecoveryTimeout(d time.Duration) *Config {
	c.RecoveryTimeout = d
	return c
}

// WithHalfOpenMaxCalls sets the half-open trial call cap.
func (c *Config) WithHalfOpenMaxCalls(n int) *Config {
	c.HalfOpenMaxCalls = n
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}

package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per endpoint id.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   *zap.Logger
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{config: config, logger: logger}
}

// Get returns the breaker for name, or nil.
func (r *Registry) Get(name string) *CircuitBreaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns the breaker for name, creating it if needed.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(name, r.config, r.logger)
	actual, loaded := r.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker", zap.String("name", name))
	return cb
}

// Remove discards the breaker for name.
func (r *Registry) Remove(name string) {
	if _, loaded := r.breakers.LoadAndDelete(name); loaded {
		ForgetMetrics(name)
		r.logger.Debug("removed circuit breaker", zap.String("name", name))
	}
}

// Reset closes the breaker for name. It reports false when none exists.
func (r *Registry) Reset(name string) bool {
	cb := r.Get(name)
	if cb == nil {
		return false
	}
	cb.Reset()
	return true
}

// Stats returns a snapshot of every breaker ordered by name.
func (r *Registry) Stats() []Stats {
	var stats []Stats
	r.breakers.Range(func(_, value interface{}) bool {
		stats = append(stats, value.(*CircuitBreaker).Stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Count returns the number of breakers.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

package loadbalancer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

var (
	selectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "loadbalancer",
			Name:      "selections_total",
			Help:      "Total number of instance selections",
		},
		[]string{"service", "strategy"},
	)

	healthyInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "loadbalancer",
			Name:      "healthy_instances",
			Help:      "Healthy instances known to the balancer per service",
		},
		[]string{"service"},
	)
)

// Discoverer returns the healthy instances of a service.
type Discoverer interface {
	Discover(name string, tags ...string) []registry.Instance
}

type serviceBalancer struct {
	balancer Balancer
	healthy  []registry.Instance
}

// Manager holds one balancer per service.
type Manager struct {
	mu       sync.RWMutex
	services map[string]*serviceBalancer

	strategy  Strategy
	overrides map[string]Strategy
	source    Discoverer
	logger    observability.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithServiceStrategy overrides the strategy for one service.
func WithServiceStrategy(service string, s Strategy) ManagerOption {
	return func(m *Manager) {
		m.overrides[service] = s
	}
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager that uses strategy for every service unless
// overridden. source is consulted when a service changes.
func NewManager(strategy Strategy, source Discoverer, opts ...ManagerOption) *Manager {
	m := &Manager{
		services:  make(map[string]*serviceBalancer),
		strategy:  strategy,
		overrides: make(map[string]Strategy),
		source:    source,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) strategyFor(service string) Strategy {
	if s, ok := m.overrides[service]; ok {
		return s
	}
	return m.strategy
}

func (m *Manager) entry(service string) *serviceBalancer {
	m.mu.RLock()
	sb, ok := m.services[service]
	m.mu.RUnlock()
	if ok {
		return sb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok = m.services[service]; !ok {
		sb = &serviceBalancer{balancer: New(m.strategyFor(service))}
		m.services[service] = sb
	}
	return sb
}

// Balancer returns the balancer of service, creating it on first use.
func (m *Manager) Balancer(service string) Balancer {
	return m.entry(service).balancer
}

// Select picks one of candidates with the balancer of service.
func (m *Manager) Select(service string, candidates []registry.Instance) (registry.Instance, error) {
	b := m.Balancer(service)
	inst, err := b.Select(candidates)
	if err != nil {
		return registry.Instance{}, err
	}
	selectionsTotal.WithLabelValues(service, string(b.Strategy())).Inc()
	return inst, nil
}

// Healthy returns the last known healthy set of service.
func (m *Manager) Healthy(service string) []registry.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.services[service]
	if !ok {
		return nil
	}
	return append([]registry.Instance(nil), sb.healthy...)
}

// OnEvent refreshes the healthy set of the service the event concerns.
func (m *Manager) OnEvent(e registry.Event) {
	m.Refresh(e.Instance.ServiceName)
}

// Refresh reloads the healthy set of service from the source.
func (m *Manager) Refresh(service string) {
	if m.source == nil {
		return
	}
	healthy := m.source.Discover(service)

	if len(healthy) == 0 {
		m.mu.Lock()
		sb, ok := m.services[service]
		if ok {
			sb.healthy = nil
		}
		m.mu.Unlock()
		if ok {
			if t, tracked := sb.balancer.(interface{ forget(map[string]struct{}) }); tracked {
				t.forget(nil)
			}
		}
		healthyInstances.WithLabelValues(service).Set(0)
		return
	}

	sb := m.entry(service)
	keep := make(map[string]struct{}, len(healthy))
	for i := range healthy {
		keep[healthy[i].ID] = struct{}{}
	}

	m.mu.Lock()
	sb.healthy = healthy
	m.mu.Unlock()

	if t, ok := sb.balancer.(interface{ forget(map[string]struct{}) }); ok {
		t.forget(keep)
	}
	healthyInstances.WithLabelValues(service).Set(float64(len(healthy)))

	m.logger.Debug("balancer refreshed",
		observability.String("service", service),
		observability.Int("healthy", len(healthy)),
	)
}

// Services returns the names of services that have a balancer.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.services))
	for name := range m.services {
		out = append(out, name)
	}
	return out
}

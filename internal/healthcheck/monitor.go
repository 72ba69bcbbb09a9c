package healthcheck

import (
	"context"
	"net/http"
	"sync"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Monitor owns one Checker per watched instance. It satisfies
// registry.HealthMonitor.
type Monitor struct {
	reporter Reporter
	prober   Prober
	grpc     *GRPCProber
	logger   observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	checkers map[string]*Checker
	closed   bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProber replaces the default type-dispatching prober.
func WithProber(p Prober) MonitorOption {
	return func(m *Monitor) {
		m.prober = p
	}
}

// WithLogger sets the monitor logger.
func WithLogger(logger observability.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a monitor reporting to reporter.
func NewMonitor(reporter Reporter, opts ...MonitorOption) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		reporter: reporter,
		logger:   observability.NopLogger(),
		ctx:      ctx,
		cancel:   cancel,
		checkers: make(map[string]*Checker),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		m.grpc = NewGRPCProber(m.logger)
		m.prober = &Probers{
			HTTP: &HTTPProber{Client: &http.Client{}},
			TCP:  &TCPProber{},
			GRPC: m.grpc,
		}
	}
	return m
}

var _ registry.HealthMonitor = (*Monitor)(nil)

// Watch starts probing inst. Watching an already watched id is a no-op.
func (m *Monitor) Watch(inst registry.Instance) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.checkers[inst.ID]; ok {
		m.mu.Unlock()
		return
	}
	c := NewChecker(inst, m.prober, m.reporter, m.logger)
	m.checkers[inst.ID] = c
	m.mu.Unlock()

	c.Start(m.ctx)
	m.logger.Debug("health checking started",
		observability.String("instance", inst.ID),
		observability.String("type", inst.HealthCheck.Type),
	)
}

// Unwatch stops probing id and waits for its loop to exit.
func (m *Monitor) Unwatch(id string) {
	m.mu.Lock()
	c, ok := m.checkers[id]
	delete(m.checkers, id)
	m.mu.Unlock()

	if ok {
		c.Stop()
	}
}

// Watching reports whether id has a running loop.
func (m *Monitor) Watching(id string) bool {
	m.mu.Lock()
	c, ok := m.checkers[id]
	m.mu.Unlock()
	return ok && c.IsRunning()
}

// Len returns the number of watched instances.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkers)
}

// Close stops every loop. Later Watch calls are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	checkers := m.checkers
	m.checkers = make(map[string]*Checker)
	m.mu.Unlock()

	m.cancel()
	for _, c := range checkers {
		c.Stop()
	}
	if m.grpc != nil {
		m.grpc.Close()
	}
}

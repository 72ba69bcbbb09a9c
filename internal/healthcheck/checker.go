// Package healthcheck actively probes registered instances and reports
// status transitions back to the registry. Each instance gets its own loop;
// hysteresis thresholds keep a single flapping probe from changing status.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Probe defaults used when an instance leaves them unset.
const (
	DefaultInterval           = 10 * time.Second
	DefaultTimeout            = 5 * time.Second
	DefaultHealthyThreshold   = 2
	DefaultUnhealthyThreshold = 3
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "healthcheck",
			Name:      "probes_total",
			Help:      "Total number of health probes by result",
		},
		[]string{"service", "type", "result"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: "healthcheck",
			Name:      "probe_duration_seconds",
			Help:      "Health probe duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"service", "type"},
	)

	activeCheckers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "healthcheck",
			Name:      "active_checkers",
			Help:      "Number of running per-instance health check loops",
		},
	)
)

// Reporter receives probe outcomes.
type Reporter interface {
	Get(id string) (registry.Instance, bool)
	ReportHealth(id string, healthy bool) error
}

// Checker runs the probe loop of one instance.
type Checker struct {
	inst     registry.Instance
	prober   Prober
	reporter Reporter
	logger   observability.Logger

	// counters are touched only by the loop goroutine
	successes int
	failures  int

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewChecker creates a checker for inst.
func NewChecker(inst registry.Instance, prober Prober, reporter Reporter, logger observability.Logger) *Checker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	hc := &inst.HealthCheck
	if hc.Interval <= 0 {
		hc.Interval = DefaultInterval
	}
	if hc.Timeout <= 0 {
		hc.Timeout = DefaultTimeout
	}
	if hc.HealthyThreshold <= 0 {
		hc.HealthyThreshold = DefaultHealthyThreshold
	}
	if hc.UnhealthyThreshold <= 0 {
		hc.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &Checker{
		inst:     inst,
		prober:   prober,
		reporter: reporter,
		logger: logger.With(
			observability.String("instance", inst.ID),
			observability.String("service", inst.ServiceName),
		),
	}
}

// Start launches the loop. The first probe runs immediately.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	activeCheckers.Inc()

	go c.run(ctx, c.stopCh, c.stoppedCh)
}

// Stop halts the loop and waits for it. Calling Stop more than once is safe.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	c.mu.Unlock()

	close(stopCh)
	<-stoppedCh
	activeCheckers.Dec()
}

// IsRunning reports whether the loop is active.
func (c *Checker) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Checker) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(c.inst.HealthCheck.Interval)
	defer ticker.Stop()

	c.check(ctx, stopCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.check(ctx, stopCh)
		}
	}
}

func (c *Checker) check(ctx context.Context, stopCh <-chan struct{}) {
	probeCtx, cancel := context.WithTimeout(ctx, c.inst.HealthCheck.Timeout)
	defer cancel()

	// Stop must not wait out a slow probe.
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-probeCtx.Done():
		}
	}()

	start := time.Now()
	err := c.prober.Probe(probeCtx, c.inst)
	elapsed := time.Since(start)

	select {
	case <-stopCh:
		return
	default:
	}

	probeDuration.WithLabelValues(c.inst.ServiceName, c.inst.HealthCheck.Type).Observe(elapsed.Seconds())
	if err != nil {
		probesTotal.WithLabelValues(c.inst.ServiceName, c.inst.HealthCheck.Type, "failure").Inc()
		c.logger.Debug("health probe failed", observability.Error(err))
		c.recordFailure()
		return
	}
	probesTotal.WithLabelValues(c.inst.ServiceName, c.inst.HealthCheck.Type, "success").Inc()
	c.recordSuccess()
}

func (c *Checker) recordSuccess() {
	c.failures = 0
	c.successes++

	current, ok := c.reporter.Get(c.inst.ID)
	if !ok {
		return
	}

	switch current.Status {
	case registry.StatusDraining:
		return
	case registry.StatusUnhealthy:
		if c.successes < c.inst.HealthCheck.HealthyThreshold {
			return
		}
		c.logger.Info("instance became healthy", observability.Int("successes", c.successes))
	case registry.StatusUnknown:
		c.logger.Info("instance became healthy")
	}
	// Healthy instances are reported again to refresh LastSeen.
	c.report(true)
}

func (c *Checker) recordFailure() {
	c.successes = 0
	c.failures++

	if c.failures < c.inst.HealthCheck.UnhealthyThreshold {
		return
	}
	current, ok := c.reporter.Get(c.inst.ID)
	if !ok || current.Status == registry.StatusUnhealthy || current.Status == registry.StatusDraining {
		return
	}
	c.logger.Warn("instance became unhealthy", observability.Int("failures", c.failures))
	c.report(false)
}

func (c *Checker) report(healthy bool) {
	if err := c.reporter.ReportHealth(c.inst.ID, healthy); err != nil {
		c.logger.Debug("health report rejected", observability.Error(err))
	}
}

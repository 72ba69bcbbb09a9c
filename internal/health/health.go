// Package health provides control-plane liveness and readiness checks.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the control plane is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the control plane should not receive traffic.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates a non-critical dependency is failing.
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

var checkStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "mesh",
		Subsystem: "health",
		Name:      "check_status",
		Help:      "Readiness check result (1=passing, 0=failing)",
	},
	[]string{"check"},
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check is one readiness check result.
type Check struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
	Duration string `json:"duration"`
}

// CheckFunc performs one check.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	fn       CheckFunc
	critical bool
}

// Checker aggregates readiness checks.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]namedCheck
}

// NewChecker creates a checker reporting version.
func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
		checks:    make(map[string]namedCheck),
	}
}

// Register adds a check. A failing critical check makes the control plane
// unready; a failing non-critical check only degrades it.
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = namedCheck{fn: fn, critical: critical}
}

// Unregister removes a check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
	checkStatus.DeleteLabelValues(name)
}

// Health returns the liveness status.
func (c *Checker) Health() HealthResponse {
	return HealthResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// Readiness runs every check concurrently.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]namedCheck, len(c.checks))
	for name, chk := range c.checks {
		names = append(names, name)
		checks[name] = chk
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make([]Check, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		chk := checks[name]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			start := time.Now()
			err := chk.fn(cctx)
			res := Check{
				Status:   StatusHealthy,
				Critical: chk.critical,
				Duration: time.Since(start).Round(time.Microsecond).String(),
			}
			if err != nil {
				res.Status = StatusDegraded
				if chk.critical {
					res.Status = StatusUnhealthy
				}
				res.Message = err.Error()
				checkStatus.WithLabelValues(name).Set(0)
			} else {
				checkStatus.WithLabelValues(name).Set(1)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	resp := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(names)),
		Timestamp: time.Now(),
	}
	for i, name := range names {
		res := results[i]
		resp.Checks[name] = res
		switch {
		case res.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case res.Status == StatusDegraded && resp.Status != StatusUnhealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

// LivenessHandler serves /healthz.
func (c *Checker) LivenessHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.Health())
}

// ReadinessHandler serves /readyz: 503 when unhealthy, 200 otherwise.
func (c *Checker) ReadinessHandler(ctx *gin.Context) {
	resp := c.Readiness(ctx.Request.Context())
	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, resp)
}

// RedisCheck pings a redis client.
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// Counter is anything with a size, such as the registry.
type Counter interface {
	Count() int
}

// PopulatedCheck fails while c is empty.
func PopulatedCheck(what string, c Counter) CheckFunc {
	return func(context.Context) error {
		if c.Count() == 0 {
			return fmt.Errorf("no %s registered", what)
		}
		return nil
	}
}

// Package quota bounds how many services and instances the registry accepts.
package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

var rejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Registrations rejected by quota",
	},
	[]string{"limit"},
)

// Admission enforces registration quotas. Zero limits are unrestricted.
type Admission struct {
	mu                     sync.RWMutex
	maxInstancesPerService int
	maxServices            int
	logger                 observability.Logger
}

// New creates an Admission from cfg.
func New(cfg config.QuotaConfig, logger observability.Logger) *Admission {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &Admission{logger: logger}
	a.Update(cfg)
	return a
}

// Update swaps the limits. Instances already registered are kept.
func (a *Admission) Update(cfg config.QuotaConfig) {
	a.mu.Lock()
	a.maxInstancesPerService = cfg.MaxInstancesPerService
	a.maxServices = cfg.MaxServices
	a.mu.Unlock()
}

// Admit implements registry.Admission. serviceInstances and services are
// the counts before the registration.
func (a *Admission) Admit(_ context.Context, service string, serviceInstances, services int) error {
	a.mu.RLock()
	perService, total := a.maxInstancesPerService, a.maxServices
	a.mu.RUnlock()

	if perService > 0 && serviceInstances >= perService {
		rejectionsTotal.WithLabelValues("instances_per_service").Inc()
		a.logger.Warn("registration rejected by quota",
			observability.String("service", service),
			observability.Int("limit", perService),
		)
		ve := util.NewValidationError("quota exceeded")
		ve.AddField("serviceName", fmt.Sprintf("service %s already has %d instances (limit %d)", service, serviceInstances, perService))
		return ve
	}
	// Only a new service counts against the service limit.
	if total > 0 && serviceInstances == 0 && services >= total {
		rejectionsTotal.WithLabelValues("services").Inc()
		a.logger.Warn("registration rejected by quota",
			observability.String("service", service),
			observability.Int("service_limit", total),
		)
		ve := util.NewValidationError("quota exceeded")
		ve.AddField("serviceName", fmt.Sprintf("registry already holds %d services (limit %d)", services, total))
		return ve
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/avamesh/internal/util"
)

// Known load balancing strategies.
var validStrategies = map[string]bool{
	"round_robin":          true,
	"least_connections":    true,
	"weighted_round_robin": true,
	"random":               true,
}

// Known middleware names.
var validMiddleware = map[string]bool{
	"logging":        true,
	"validation":     true,
	"authentication": true,
	"authorization":  true,
	"rateLimit":      true,
	"caching":        true,
}

var validMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	"*":                true,
}

// ValidateConfig checks cfg and returns every problem found, joined.
func ValidateConfig(cfg *MeshConfig) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, util.NewConfigError(field, fmt.Sprintf(format, args...)))
	}

	if !validStrategies[cfg.Registry.LoadBalancer] {
		add("registry.loadBalancer", "unknown strategy %q", cfg.Registry.LoadBalancer)
	}
	if cfg.Health.HealthyThreshold < 1 {
		add("health.healthyThreshold", "must be at least 1")
	}
	if cfg.Health.UnhealthyThreshold < 1 {
		add("health.unhealthyThreshold", "must be at least 1")
	}
	if cfg.Breaker.FailureThreshold < 1 {
		add("breaker.failureThreshold", "must be at least 1")
	}
	if cfg.Breaker.HalfOpenMaxCalls < 1 {
		add("breaker.halfOpenMaxCalls", "must be at least 1")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		add("rateLimit", "rate and burst must not be negative")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		add("retry.maxDelay", "must not be less than initialDelay")
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		add("tracing.samplingRate", "must be between 0 and 1")
	}
	if cfg.Catalog.Enabled && len(cfg.Catalog.Endpoints) == 0 {
		add("catalog.endpoints", "required when the catalog is enabled")
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.Redis.URL == "" {
			add("cache.redis.url", "required for redis cache")
		}
	default:
		add("cache.type", "unknown cache type %q", cfg.Cache.Type)
	}

	if cfg.DNS.Domain != "" && !strings.HasSuffix(cfg.DNS.Domain, ".") {
		add("dns.domain", "must be fully qualified (end with a dot)")
	}

	seen := make(map[string]bool, len(cfg.Routes))
	for i := range cfg.Routes {
		errs = append(errs, validateRoute(fmt.Sprintf("routes[%d]", i), &cfg.Routes[i])...)
		key := strings.ToUpper(cfg.Routes[i].Method) + " " + cfg.Routes[i].Path
		if seen[key] {
			add(fmt.Sprintf("routes[%d]", i), "duplicate route %s", key)
		}
		seen[key] = true
	}

	return errors.Join(errs...)
}

// ValidateRoute checks a single route declaration.
func ValidateRoute(r *RouteConfig) error {
	return errors.Join(validateRoute("route", r)...)
}

func validateRoute(prefix string, r *RouteConfig) []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, util.NewConfigError(prefix+"."+field, fmt.Sprintf(format, args...)))
	}

	if !strings.HasPrefix(r.Path, "/") {
		add("path", "must start with /")
	}
	if !validMethods[strings.ToUpper(r.Method)] {
		add("method", "unsupported method %q", r.Method)
	}
	if err := util.ValidateServiceName(r.Service); err != nil {
		add("service", "%v", err)
	}
	if r.Retries < 0 {
		add("retries", "must not be negative")
	}
	if r.Timeout < 0 {
		add("timeout", "must not be negative")
	}
	for _, m := range r.Middleware {
		if !validMiddleware[m] {
			add("middleware", "unknown middleware %q", m)
		}
	}
	if r.RateLimit != nil && (r.RateLimit.RequestsPerSecond <= 0 || r.RateLimit.Burst < 1) {
		add("rateLimit", "requestsPerSecond must be positive and burst at least 1")
	}
	if r.Cache != nil && r.Cache.Enabled && r.Cache.TTL <= 0 {
		add("cache.ttl", "must be positive when caching is enabled")
	}
	if r.Transform != nil && r.Transform.Response != nil {
		sc := r.Transform.Response.StatusCode
		if sc != 0 && (sc < 100 || sc > 599) {
			add("transform.response.statusCode", "out of range: %d", sc)
		}
	}
	if r.Validation != nil {
		for _, h := range r.Validation.RequiredHeaders {
			if err := util.ValidateHeaderName(h); err != nil {
				add("validation.requiredHeaders", "%v", err)
			}
		}
	}
	return errs
}

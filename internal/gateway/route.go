package gateway

import (
	"strings"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/authz"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
	"github.com/vyrodovalexey/avamesh/internal/transform"
)

// MethodAny matches every request method.
const MethodAny = "*"

// Origin tells where a route came from. Configuration reloads only replace
// routes that came from configuration.
type Origin string

// Route origins.
const (
	OriginAPI    Origin = "api"
	OriginConfig Origin = "config"
)

// RouteOptions are the optional parts of a route.
type RouteOptions struct {
	ID         string
	Version    string
	Timeout    time.Duration
	Retries    int
	Middleware []string
	Validation *config.RouteValidationConfig
	Auth       *config.RouteAuthConfig
	Authz      *config.RouteAuthzConfig
	RateLimit  *config.RouteRateLimitConfig
	Cache      *config.RouteCacheConfig
	Transform  *config.TransformConfig
	Tags       []string
}

// Route is a registered gateway route.
type Route struct {
	ID         string                        `json:"id"`
	Path       string                        `json:"path"`
	Method     string                        `json:"method"`
	Service    string                        `json:"service"`
	Version    string                        `json:"version,omitempty"`
	Timeout    time.Duration                 `json:"timeout,omitempty"`
	Retries    int                           `json:"retries,omitempty"`
	Middleware []string                      `json:"middleware"`
	Validation *config.RouteValidationConfig `json:"validation,omitempty"`
	Auth       *config.RouteAuthConfig       `json:"auth,omitempty"`
	Authz      *config.RouteAuthzConfig      `json:"authz,omitempty"`
	RateLimit  *config.RouteRateLimitConfig  `json:"rateLimit,omitempty"`
	Cache      *config.RouteCacheConfig      `json:"cache,omitempty"`
	Transform  *config.TransformConfig       `json:"transform,omitempty"`
	Tags       []string                      `json:"tags,omitempty"`
	Origin     Origin                        `json:"origin"`
	CreatedAt  time.Time                     `json:"createdAt"`

	seq           uint64
	pattern       *pattern
	policy        *authz.Policy
	limiter       ratelimit.Limiter
	reqTransform  *transform.Transformer
	respTransform *transform.Transformer
	handler       Handler
}

// Config returns the route as configuration.
func (r *Route) Config() config.RouteConfig {
	return config.RouteConfig{
		ID:         r.ID,
		Path:       r.Path,
		Method:     r.Method,
		Service:    r.Service,
		Version:    r.Version,
		Timeout:    config.Duration(r.Timeout),
		Retries:    r.Retries,
		Middleware: append([]string(nil), r.Middleware...),
		Validation: r.Validation,
		Auth:       r.Auth,
		Authz:      r.Authz,
		RateLimit:  r.RateLimit,
		Cache:      r.Cache,
		Transform:  r.Transform,
		Tags:       append([]string(nil), r.Tags...),
	}
}

// OptionsFromConfig splits a route configuration into the arguments of
// RegisterRoute.
func OptionsFromConfig(cfg config.RouteConfig) (path, method, service string, opts RouteOptions) {
	return cfg.Path, cfg.Method, cfg.Service, RouteOptions{
		ID:         cfg.ID,
		Version:    cfg.Version,
		Timeout:    cfg.Timeout.Duration(),
		Retries:    cfg.Retries,
		Middleware: cfg.Middleware,
		Validation: cfg.Validation,
		Auth:       cfg.Auth,
		Authz:      cfg.Authz,
		RateLimit:  cfg.RateLimit,
		Cache:      cfg.Cache,
		Transform:  cfg.Transform,
		Tags:       cfg.Tags,
	}
}

func (r *Route) matchesMethod(method string) bool {
	return r.Method == MethodAny || strings.EqualFold(r.Method, method)
}

// snapshot returns an exported copy without compiled state.
func (r *Route) snapshot() Route {
	return Route{
		ID:         r.ID,
		Path:       r.Path,
		Method:     r.Method,
		Service:    r.Service,
		Version:    r.Version,
		Timeout:    r.Timeout,
		Retries:    r.Retries,
		Middleware: append([]string(nil), r.Middleware...),
		Validation: r.Validation,
		Auth:       r.Auth,
		Authz:      r.Authz,
		RateLimit:  r.RateLimit,
		Cache:      r.Cache,
		Transform:  r.Transform,
		Tags:       append([]string(nil), r.Tags...),
		Origin:     r.Origin,
		CreatedAt:  r.CreatedAt,
	}
}

func (r *Route) close() {
	if r.limiter != nil {
		_ = r.limiter.Close()
	}
}

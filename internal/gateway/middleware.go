package gateway

import (
	"context"
	"fmt"
	"sort"
)

// Built-in middleware names.
const (
	MiddlewareLogging        = "logging"
	MiddlewareValidation     = "validation"
	MiddlewareAuthentication = "authentication"
	MiddlewareAuthorization  = "authorization"
	MiddlewareRateLimit      = "rateLimit"
	MiddlewareCaching        = "caching"
)

// Built-in middleware priorities. Lower runs first.
const (
	PriorityLogging        = 10
	PriorityValidation     = 20
	PriorityAuthentication = 30
	PriorityAuthorization  = 40
	PriorityRateLimit      = 50
	PriorityCaching        = 60
)

// DefaultMiddleware is the chain used by routes that name none.
var DefaultMiddleware = []string{
	MiddlewareLogging,
	MiddlewareValidation,
	MiddlewareAuthentication,
	MiddlewareAuthorization,
	MiddlewareRateLimit,
	MiddlewareCaching,
}

// Handler produces the response for a matched request. Returning an error
// short-circuits; the gateway turns it into a JSON error response.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// MiddlewareFunc wraps next for one route.
type MiddlewareFunc func(ctx context.Context, route *Route, req *Request, next Handler) (*Response, error)

// Middleware is a named, prioritized pipeline stage.
type Middleware struct {
	Name     string
	Priority int
	Handle   MiddlewareFunc
}

// buildChain wraps final with the named middleware in ascending priority.
// Equal priorities keep the order they were named in.
func buildChain(route *Route, names []string, available map[string]Middleware, final Handler) (Handler, error) {
	stages := make([]Middleware, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		m, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown middleware %q", name)
		}
		stages = append(stages, m)
	}
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Priority < stages[j].Priority
	})

	h := final
	for i := len(stages) - 1; i >= 0; i-- {
		h = wrap(stages[i].Handle, route, h)
	}
	return h, nil
}

func wrap(m MiddlewareFunc, route *Route, next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return m(ctx, route, req, next)
	}
}

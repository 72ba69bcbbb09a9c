package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/vyrodovalexey/avamesh/internal/auth"
	"github.com/vyrodovalexey/avamesh/internal/authz"
	"github.com/vyrodovalexey/avamesh/internal/cache"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

func (g *Gateway) builtinMiddleware() []Middleware {
	return []Middleware{
		{Name: MiddlewareLogging, Priority: PriorityLogging, Handle: g.logging},
		{Name: MiddlewareValidation, Priority: PriorityValidation, Handle: g.validation},
		{Name: MiddlewareAuthentication, Priority: PriorityAuthentication, Handle: g.authentication},
		{Name: MiddlewareAuthorization, Priority: PriorityAuthorization, Handle: g.authorization},
		{Name: MiddlewareRateLimit, Priority: PriorityRateLimit, Handle: g.rateLimit},
		{Name: MiddlewareCaching, Priority: PriorityCaching, Handle: g.caching},
	}
}

func (g *Gateway) logging(ctx context.Context, route *Route, req *Request, next Handler) (*Response, error) {
	start := g.now()
	logger := g.logger.WithContext(ctx)

	resp, err := next(ctx, req)

	status := http.StatusOK
	switch {
	case err != nil:
		status = util.HTTPStatus(err)
	case resp != nil:
		status = resp.StatusCode
	}
	fields := []observability.Field{
		observability.String("method", req.Method),
		observability.String("path", req.Path),
		observability.String("route_id", route.ID),
		observability.String("service", route.Service),
		observability.Int("status", status),
		observability.Duration("duration", g.now().Sub(start)),
	}
	if req.ClientID != "" {
		fields = append(fields, observability.String("client_id", req.ClientID))
	}
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", append(fields, observability.Error(err))...)
	case err != nil:
		logger.Warn("request rejected", append(fields, observability.Error(err))...)
	default:
		logger.Info("request completed", fields...)
	}
	return resp, err
}

// malformed reports a request without method or path. It returns a
// ValidationError the caller may extend.
func malformed(req *Request) *util.ValidationError {
	ve := util.NewValidationError("invalid request")
	if req.Method == "" {
		ve.AddField("method", "required")
	}
	if req.Path == "" {
		ve.AddField("path", "required")
	}
	return ve
}

// validation rejects malformed requests. Method and path are always
// required; the route's validation settings add further checks.
func (g *Gateway) validation(ctx context.Context, route *Route, req *Request, next Handler) (*Response, error) {
	ve := malformed(req)
	v := route.Validation
	if v == nil {
		if ve.HasFields() {
			return nil, ve
		}
		return next(ctx, req)
	}

	for _, h := range v.RequiredHeaders {
		if req.Headers.Get(h) == "" {
			ve.AddField("header."+http.CanonicalHeaderKey(h), "required")
		}
	}
	for _, q := range v.RequiredQuery {
		if req.Query.Get(q) == "" {
			ve.AddField("query."+q, "required")
		}
	}
	if v.MaxBodyBytes > 0 && len(req.Body) > v.MaxBodyBytes {
		ve.AddField("body", fmt.Sprintf("exceeds %d bytes", v.MaxBodyBytes))
	}
	if v.RequireJSONBody && !json.Valid(req.Body) {
		ve.AddField("body", "must be valid JSON")
	}
	if ve.HasFields() {
		return nil, ve
	}
	return next(ctx, req)
}

// authentication resolves the caller. A route without auth settings still
// picks up credentials when present so authorization can use them.
func (g *Gateway) authentication(ctx context.Context, route *Route, req *Request, next Handler) (*Response, error) {
	if g.authenticator == nil {
		return next(ctx, req)
	}

	var methods []string
	required := false
	if route.Auth != nil {
		methods = route.Auth.Methods
		required = route.Auth.Required
	}

	p, err := g.authenticator.Authenticate(ctx, req.Headers, methods)
	switch {
	case err == nil:
		req.Principal = p
		ctx = auth.ContextWithPrincipal(ctx, p)
	case auth.IsNoCredentials(err) && !required:
	default:
		return nil, err
	}
	return next(ctx, req)
}

func (g *Gateway) authorization(ctx context.Context, route *Route, req *Request, next Handler) (*Response, error) {
	if route.policy == nil {
		return next(ctx, req)
	}
	err := route.policy.Authorize(ctx, req.Principal, authz.Request{
		Method:  req.Method,
		Path:    req.Path,
		Headers: flatten(req.Headers),
		Query:   flatten(req.Query),
		Params:  req.Params,
	})
	if err != nil {
		return nil, err
	}
	return next(ctx, req)
}

func (g *Gateway) rateLimit(ctx context.Context, route *Route, req *Request, next Handler) (*Response, error) {
	if route.limiter == nil {
		return next(ctx, req)
	}

	key := clientKey(route, req)
	res, err := route.limiter.Allow(ctx, key)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, util.NewRateLimitedError(route.ID+":"+key, res.RetryAfter)
	}

	resp, err := next(ctx, req)
	if resp != nil {
		if resp.Headers == nil {
			resp.Headers = make(http.Header)
		}
		resp.Headers.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		resp.Headers.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}
	return resp, err
}

// clientKey prefers the configured header, then the principal, then the
// client address.
func clientKey(route *Route, req *Request) string {
	if h := route.RateLimit.KeyHeader; h != "" {
		if v := req.Headers.Get(h); v != "" {
			return v
		}
	}
	if req.Principal != nil {
		return string(req.Principal.Method) + ":" + req.Principal.Subject
	}
	if req.ClientID != "" {
		return req.ClientID
	}
	return "anonymous"
}

// cachedResponse is the stored form of a cached response.
type cachedResponse struct {
	StatusCode   int         `json:"status"`
	Headers      http.Header `json:"headers"`
	Body         []byte      `json:"body"`
	ServiceRoute string      `json:"serviceRoute"`
}

func (g *Gateway) caching(ctx context.Context, route *Route, req *Request, next Handler) (*Response, error) {
	c := route.Cache
	if g.cache == nil || c == nil || !c.Enabled || req.Method != http.MethodGet {
		return next(ctx, req)
	}

	key := route.ID + ":" + cache.Key(req.Method, req.Path, req.Query, req.Headers, c.VaryBy)
	if raw, err := g.cache.Get(ctx, key); err == nil {
		var cached cachedResponse
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &Response{
				StatusCode: cached.StatusCode,
				Headers:    cached.Headers,
				Body:       cached.Body,
				Metadata:   Metadata{CacheHit: true, ServiceRoute: cached.ServiceRoute},
			}, nil
		}
		g.logger.Warn("discarding undecodable cache entry", observability.String("route_id", route.ID))
	}

	resp, err := next(ctx, req)
	if err != nil || resp == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, err
	}

	raw, mErr := json.Marshal(cachedResponse{
		StatusCode:   resp.StatusCode,
		Headers:      resp.Headers,
		Body:         resp.Body,
		ServiceRoute: resp.Metadata.ServiceRoute,
	})
	if mErr == nil {
		if sErr := g.cache.Set(ctx, key, raw, c.TTL.Duration()); sErr != nil {
			g.logger.Warn("failed to store response in cache",
				observability.String("route_id", route.ID),
				observability.Error(sErr),
			)
		}
	}
	return resp, nil
}

func flatten(m map[string][]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// retryAfter renders the Retry-After header for rate-limit errors, in
// whole seconds rounded up.
func retryAfter(err error) string {
	var rl *util.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		return ""
	}
	return strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds())))
}

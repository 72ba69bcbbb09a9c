// Package gateway is the API front door of the mesh. It matches inbound
// requests to routes, runs each route's prioritized middleware chain and
// forwards surviving requests to the executor.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamesh/internal/auth"
	"github.com/vyrodovalexey/avamesh/internal/authz"
	"github.com/vyrodovalexey/avamesh/internal/cache"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/executor"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
	"github.com/vyrodovalexey/avamesh/internal/transform"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

const tracerName = "avamesh/gateway"

// Request is an inbound gateway request.
type Request struct {
	ID       string
	Method   string
	Path     string
	Headers  http.Header
	Query    url.Values
	Body     []byte
	ClientID string

	// Set by the gateway while handling.
	Params    map[string]string
	Principal *auth.Principal
}

// Metadata describes how a response was produced.
type Metadata struct {
	RequestID       string        `json:"requestId"`
	Duration        time.Duration `json:"duration"`
	CacheHit        bool          `json:"cacheHit"`
	ServiceRoute    string        `json:"serviceRoute,omitempty"`
	RouteID         string        `json:"routeId,omitempty"`
	InstanceID      string        `json:"instanceId,omitempty"`
	Attempts        int           `json:"attempts,omitempty"`
	Transformations []string      `json:"transformations,omitempty"`
}

// Response is what HandleHTTP returns.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Metadata   Metadata
}

// errorBody is the JSON shape of every gateway-generated error.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Executor forwards a request into the mesh.
type Executor interface {
	Execute(ctx context.Context, service string, req *executor.Request, opts executor.Options) (*executor.Response, error)
}

// Gateway holds the route table.
type Gateway struct {
	exec          Executor
	authenticator *auth.Authenticator
	cache         cache.Cache
	redis         redis.UniversalClient
	redisPrefix   string
	logger        observability.Logger
	metrics       *observability.Metrics
	middleware    map[string]Middleware
	now           func() time.Time

	mu     sync.RWMutex
	routes []*Route
	byID   map[string]*Route
	seq    uint64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAuthenticator enables the authentication middleware.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(g *Gateway) {
		g.authenticator = a
	}
}

// WithCache enables the caching middleware.
func WithCache(c cache.Cache) Option {
	return func(g *Gateway) {
		g.cache = c
	}
}

// WithRedis lets routes with a distributed rate limit share buckets
// through client.
func WithRedis(client redis.UniversalClient, keyPrefix string) Option {
	return func(g *Gateway) {
		g.redis = client
		g.redisPrefix = keyPrefix
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics records request counts and latencies into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithMiddleware adds or replaces a middleware routes can name.
func WithMiddleware(m Middleware) Option {
	return func(g *Gateway) {
		g.middleware[m.Name] = m
	}
}

// New creates a gateway forwarding to exec.
func New(exec Executor, opts ...Option) *Gateway {
	g := &Gateway{
		exec:       exec,
		logger:     observability.NopLogger(),
		middleware: make(map[string]Middleware),
		now:        time.Now,
		byID:       make(map[string]*Route),
	}
	for _, m := range g.builtinMiddleware() {
		g.middleware[m.Name] = m
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterRoute adds a route and returns its id.
func (g *Gateway) RegisterRoute(path, method, service string, opts RouteOptions) (string, error) {
	return g.register(path, method, service, opts, OriginAPI)
}

// RegisterRouteConfig adds a route described by configuration.
func (g *Gateway) RegisterRouteConfig(cfg config.RouteConfig) (string, error) {
	path, method, service, opts := OptionsFromConfig(cfg)
	return g.register(path, method, service, opts, OriginAPI)
}

func (g *Gateway) register(path, method, service string, opts RouteOptions, origin Origin) (string, error) {
	route, err := g.compile(path, method, service, opts, origin)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := conflictIn(route, g.routes); err != nil {
		route.close()
		return "", err
	}
	g.insert(route)

	g.logger.Info("route registered",
		observability.String("route_id", route.ID),
		observability.String("method", route.Method),
		observability.String("path", route.Path),
		observability.String("service", route.Service),
	)
	return route.ID, nil
}

// RemoveRoute deletes a route. It returns false for an unknown id.
func (g *Gateway) RemoveRoute(id string) bool {
	g.mu.Lock()
	route, ok := g.byID[id]
	if ok {
		g.remove(id)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	route.close()
	g.logger.Info("route removed", observability.String("route_id", id))
	return true
}

// Routes returns every route in match order.
func (g *Gateway) Routes() []Route {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Route, 0, len(g.routes))
	for _, r := range g.routes {
		out = append(out, r.snapshot())
	}
	return out
}

// Route returns one route by id.
func (g *Gateway) Route(id string) (Route, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.byID[id]
	if !ok {
		return Route{}, false
	}
	return r.snapshot(), true
}

// SyncRoutes replaces every configuration-origin route with cfgs. Routes
// registered through the API are kept. Nothing changes when any route
// fails to compile or conflicts.
func (g *Gateway) SyncRoutes(cfgs []config.RouteConfig) error {
	compiled := make([]*Route, 0, len(cfgs))
	closeAll := func() {
		for _, r := range compiled {
			r.close()
		}
	}
	for i := range cfgs {
		path, method, service, opts := OptionsFromConfig(cfgs[i])
		if opts.ID == "" {
			// Derived ids stay the same across reloads.
			opts.ID = "cfg-" + strings.ToLower(method) + "-" + path
		}
		r, err := g.compile(path, method, service, opts, OriginConfig)
		if err != nil {
			closeAll()
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		compiled = append(compiled, r)
	}

	g.mu.Lock()
	var stale []*Route
	kept := make([]*Route, 0, len(g.routes))
	for _, r := range g.routes {
		if r.Origin == OriginConfig {
			stale = append(stale, r)
		} else {
			kept = append(kept, r)
		}
	}
	for _, r := range compiled {
		if err := conflictIn(r, kept); err != nil {
			g.mu.Unlock()
			closeAll()
			return err
		}
		kept = append(kept, r)
	}
	for _, r := range stale {
		g.remove(r.ID)
	}
	for _, r := range compiled {
		g.insert(r)
	}
	g.mu.Unlock()

	for _, r := range stale {
		r.close()
	}
	g.logger.Info("configuration routes synced",
		observability.Int("routes", len(compiled)),
		observability.Int("replaced", len(stale)),
	)
	return nil
}

// insert must be called with mu held.
func (g *Gateway) insert(r *Route) {
	g.seq++
	r.seq = g.seq
	g.routes = append(g.routes, r)
	g.byID[r.ID] = r
	// More literal segments win; ties keep registration order.
	sort.SliceStable(g.routes, func(i, j int) bool {
		a, b := g.routes[i], g.routes[j]
		if a.pattern.literals != b.pattern.literals {
			return a.pattern.literals > b.pattern.literals
		}
		return a.seq < b.seq
	})
}

// remove must be called with mu held.
func (g *Gateway) remove(id string) {
	delete(g.byID, id)
	for i, r := range g.routes {
		if r.ID == id {
			g.routes = append(g.routes[:i], g.routes[i+1:]...)
			return
		}
	}
}

func conflictIn(r *Route, routes []*Route) error {
	for _, existing := range routes {
		if existing.ID == r.ID {
			ve := util.NewValidationError("duplicate route")
			ve.AddField("id", "route "+r.ID+" already exists")
			return ve
		}
		if existing.pattern.raw == r.pattern.raw && strings.EqualFold(existing.Method, r.Method) {
			ve := util.NewValidationError("duplicate route")
			ve.AddField("path", fmt.Sprintf("%s %s is already routed by %s", r.Method, r.Path, existing.ID))
			return ve
		}
	}
	return nil
}

func (g *Gateway) compile(path, method, service string, opts RouteOptions, origin Origin) (*Route, error) {
	ve := util.NewValidationError("invalid route")

	pat, err := compilePattern(path)
	if err != nil {
		ve.AddField("path", err.Error())
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		ve.AddField("method", "method is required")
	}
	if err := util.ValidateServiceName(service); err != nil {
		ve.AddField("service", err.Error())
	}
	if opts.Retries < 0 {
		ve.AddField("retries", "retries cannot be negative")
	}
	if opts.Timeout < 0 {
		ve.AddField("timeout", "timeout cannot be negative")
	}
	if opts.Auth != nil && opts.Auth.Required && g.authenticator == nil {
		ve.AddField("auth", "authentication is required but no credential source is configured")
	}
	if opts.RateLimit != nil && opts.RateLimit.RequestsPerSecond <= 0 {
		ve.AddField("rateLimit.requestsPerSecond", "must be positive")
	}
	if opts.Cache != nil && opts.Cache.Enabled && opts.Cache.TTL.Duration() <= 0 {
		ve.AddField("cache.ttl", "must be positive")
	}

	var policy *authz.Policy
	if opts.Authz != nil {
		policy, err = authz.Compile(*opts.Authz, g.logger)
		if err != nil {
			ve.AddField("authz.expression", err.Error())
		}
	}
	if ve.HasFields() {
		return nil, ve
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	names := opts.Middleware
	if len(names) == 0 {
		names = DefaultMiddleware
	}

	route := &Route{
		ID:         id,
		Path:       path,
		Method:     method,
		Service:    service,
		Version:    opts.Version,
		Timeout:    opts.Timeout,
		Retries:    opts.Retries,
		Middleware: append([]string(nil), names...),
		Validation: opts.Validation,
		Auth:       opts.Auth,
		Authz:      opts.Authz,
		RateLimit:  opts.RateLimit,
		Cache:      opts.Cache,
		Transform:  opts.Transform,
		Tags:       append([]string(nil), opts.Tags...),
		Origin:     origin,
		CreatedAt:  g.now(),
		pattern:    pat,
		policy:     policy,
	}
	if opts.Transform != nil {
		route.reqTransform = transform.New(opts.Transform.Request, g.logger)
		route.respTransform = transform.New(opts.Transform.Response, g.logger)
	}

	final := func(ctx context.Context, req *Request) (*Response, error) {
		return g.forward(ctx, route, req)
	}
	handler, err := buildChain(route, names, g.middleware, final)
	if err != nil {
		ve.AddField("middleware", err.Error())
		return nil, ve
	}
	route.handler = handler

	if opts.RateLimit != nil {
		route.limiter = g.newLimiter(id, opts.RateLimit)
	}
	return route, nil
}

func (g *Gateway) newLimiter(routeID string, cfg *config.RouteRateLimitConfig) ratelimit.Limiter {
	lc := ratelimit.Config{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst}
	zl := observability.Zap(g.logger)
	if cfg.Distributed && g.redis != nil {
		return ratelimit.NewRedisLimiter(g.redis, lc, g.redisPrefix+"route:"+routeID+":", zl)
	}
	return ratelimit.NewMemoryLimiter(lc, ratelimit.WithLogger(zl))
}

// match returns the first route whose pattern and method match.
func (g *Gateway) match(method, path string) (*Route, map[string]string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.routes {
		if !r.matchesMethod(method) {
			continue
		}
		if params, ok := r.pattern.match(path); ok {
			return r, params
		}
	}
	return nil, nil
}

// HandleHTTP routes req and returns the response. It never returns a raw
// error: failures become JSON {"error","message"} bodies with the mapped
// status code.
func (g *Gateway) HandleHTTP(ctx context.Context, req *Request) (resp *Response) {
	start := g.now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	ctx = observability.ContextWithRequestID(ctx, req.ID)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.HandleHTTP",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Path),
			attribute.String("mesh.request_id", req.ID),
		),
	)
	defer span.End()

	routeLabel := "unmatched"
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic while handling request",
				observability.String("request_id", req.ID),
				observability.Any("panic", rec),
			)
			resp = errorResponse(fmt.Errorf("internal error: %v", rec))
		}
		resp.Metadata.RequestID = req.ID
		resp.Metadata.Duration = g.now().Sub(start)
		if resp.Headers == nil {
			resp.Headers = make(http.Header)
		}
		resp.Headers.Set("X-Request-ID", req.ID)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		}
		if g.metrics != nil {
			g.metrics.RecordRequest(req.Method, routeLabel, resp.StatusCode, resp.Metadata.Duration)
		}
	}()

	route, params := g.match(req.Method, req.Path)
	if route == nil {
		if ve := malformed(req); ve.HasFields() {
			return errorResponse(ve)
		}
		return errorResponse(util.NewNotFoundError("route", req.Method+" "+req.Path))
	}
	routeLabel = route.Path
	req.Params = params
	span.SetAttributes(attribute.String("mesh.route_id", route.ID))

	out, err := route.handler(ctx, req)
	if err != nil {
		resp = errorResponse(err)
		if ra := retryAfter(err); ra != "" {
			resp.Headers.Set("Retry-After", ra)
		}
	} else {
		resp = out
	}
	resp.Metadata.RouteID = route.ID
	if resp.Metadata.ServiceRoute == "" {
		resp.Metadata.ServiceRoute = route.Service
	}
	return resp
}

// forward is the innermost handler of every chain.
func (g *Gateway) forward(ctx context.Context, route *Route, req *Request) (*Response, error) {
	outbound := &transform.Message{Headers: req.Headers.Clone(), Body: req.Body}
	applied := route.reqTransform.Apply(outbound)

	execReq := &executor.Request{
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Headers:   outbound.Headers,
		Body:      outbound.Body,
		RequestID: req.ID,
	}
	result, err := g.exec.Execute(ctx, route.Service, execReq, executor.Options{
		Retries: route.Retries,
		Timeout: route.Timeout,
		Version: route.Version,
		Tags:    route.Tags,
	})
	if err != nil {
		// Upstream client errors pass through with their own body.
		status := util.DispatchStatus(err)
		if result == nil || status < 400 || status >= 500 {
			return nil, err
		}
	}

	msg := &transform.Message{
		StatusCode: result.StatusCode,
		Headers:    result.Headers.Clone(),
		Body:       result.Body,
	}
	applied = append(applied, route.respTransform.Apply(msg)...)

	return &Response{
		StatusCode: msg.StatusCode,
		Headers:    msg.Headers,
		Body:       msg.Body,
		Metadata: Metadata{
			ServiceRoute:    serviceRoute(route),
			InstanceID:      result.InstanceID,
			Attempts:        result.Attempts,
			Transformations: applied,
		},
	}, nil
}

func serviceRoute(r *Route) string {
	if r.Version == "" {
		return r.Service
	}
	return r.Service + "@" + r.Version
}

func errorResponse(err error) *Response {
	status := util.HTTPStatus(err)
	body, _ := json.Marshal(errorBody{Error: util.ErrorCode(err), Message: err.Error()})
	return &Response{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       body,
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamesh/internal/auth"
	"github.com/vyrodovalexey/avamesh/internal/cache"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/executor"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

type execCall struct {
	service string
	req     *executor.Request
	opts    executor.Options
}

type fakeExec struct {
	mu    sync.Mutex
	calls []execCall
	fn    func(service string, req *executor.Request) (*executor.Response, error)
}

func (f *fakeExec) Execute(_ context.Context, service string, req *executor.Request, opts executor.Options) (*executor.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{service: service, req: req, opts: opts})
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(service, req)
	}
	return &executor.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"ok":true}`),
		InstanceID: "inst-1",
		Attempts:   1,
	}, nil
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExec) last() execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func decodeError(t *testing.T, resp *Response) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	return body
}

func get(path string) *Request {
	return &Request{Method: http.MethodGet, Path: path, Headers: http.Header{}, Query: url.Values{}}
}

func TestPattern_Match(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		path    string
		match   bool
		params  map[string]string
	}{
		{"/", "/", true, nil},
		{"/users", "/users", true, nil},
		{"/users", "/users/", true, nil},
		{"/users", "/orders", false, nil},
		{"/users/:id", "/users/42", true, map[string]string{"id": "42"}},
		{"/users/:id", "/users", false, nil},
		{"/users/:id", "/users/42/orders", false, nil},
		{"/users/:id/orders/:oid", "/users/7/orders/9", true, map[string]string{"id": "7", "oid": "9"}},
		{"/files/*", "/files/a", true, nil},
		{"/files/*", "/files/a/b", false, nil},
		{"/*/health", "/orders/health", true, nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			p, err := compilePattern(tt.pattern)
			require.NoError(t, err)
			params, ok := p.match(tt.path)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestCompilePattern_Errors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"users", "/users/:", "/a/:id/b/:id"} {
		_, err := compilePattern(raw)
		assert.Error(t, err, raw)
	}
}

func TestRegisterRoute_Validation(t *testing.T) {
	t.Parallel()

	g := New(&fakeExec{})

	tests := []struct {
		name    string
		path    string
		method  string
		service string
		opts    RouteOptions
		field   string
	}{
		{"bad path", "users", "GET", "users", RouteOptions{}, "path"},
		{"no method", "/users", "", "users", RouteOptions{}, "method"},
		{"bad service", "/users", "GET", "Users!", RouteOptions{}, "service"},
		{"negative retries", "/users", "GET", "users", RouteOptions{Retries: -1}, "retries"},
		{"unknown middleware", "/users", "GET", "users", RouteOptions{Middleware: []string{"gzip"}}, "middleware"},
		{"auth without source", "/users", "GET", "users", RouteOptions{Auth: &config.RouteAuthConfig{Required: true}}, "auth"},
		{"bad expression", "/users", "GET", "users", RouteOptions{Authz: &config.RouteAuthzConfig{Expression: "nope("}}, "authz.expression"},
		{"cache without ttl", "/users", "GET", "users", RouteOptions{Cache: &config.RouteCacheConfig{Enabled: true}}, "cache.ttl"},
		{"zero rate", "/users", "GET", "users", RouteOptions{RateLimit: &config.RouteRateLimitConfig{}}, "rateLimit.requestsPerSecond"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := g.RegisterRoute(tt.path, tt.method, tt.service, tt.opts)
			require.Error(t, err)
			var ve *util.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tt.field)
		})
	}
}

func TestRegisterRoute_DefaultsAndDuplicates(t *testing.T) {
	t.Parallel()

	g := New(&fakeExec{})
	id, err := g.RegisterRoute("/users/:id", "get", "users", RouteOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	r, ok := g.Route(id)
	require.True(t, ok)
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, DefaultMiddleware, r.Middleware)
	assert.Equal(t, OriginAPI, r.Origin)

	_, err = g.RegisterRoute("/users/:id", "GET", "other", RouteOptions{})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	_, err = g.RegisterRoute("/users/:id", "POST", "users", RouteOptions{ID: id})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	assert.True(t, g.RemoveRoute(id))
	assert.False(t, g.RemoveRoute(id))
	assert.Empty(t, g.Routes())
}

func TestHandleHTTP_RouteNotFound(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	_, err := g.RegisterRoute("/users", "GET", "users", RouteOptions{})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), get("/orders"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, resp).Error)

	resp = g.HandleHTTP(context.Background(), &Request{Method: http.MethodPost, Path: "/users"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, exec.count())
}

func TestHandleHTTP_Forwards(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	_, err := g.RegisterRoute("/users/:id", "GET", "users", RouteOptions{
		Version: "v2",
		Timeout: 2 * time.Second,
		Retries: 3,
		Tags:    []string{"eu"},
	})
	require.NoError(t, err)

	req := get("/users/42")
	req.ID = "req-1"
	req.Query.Set("expand", "true")
	resp := g.HandleHTTP(context.Background(), req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "req-1", resp.Headers.Get("X-Request-ID"))
	assert.Equal(t, "req-1", resp.Metadata.RequestID)
	assert.Equal(t, "users@v2", resp.Metadata.ServiceRoute)
	assert.Equal(t, "inst-1", resp.Metadata.InstanceID)
	assert.False(t, resp.Metadata.CacheHit)
	assert.Equal(t, map[string]string{"id": "42"}, req.Params)

	call := exec.last()
	assert.Equal(t, "users", call.service)
	assert.Equal(t, "/users/42", call.req.Path)
	assert.Equal(t, "true", call.req.Query.Get("expand"))
	assert.Equal(t, "req-1", call.req.RequestID)
	assert.Equal(t, executor.Options{Retries: 3, Timeout: 2 * time.Second, Version: "v2", Tags: []string{"eu"}}, call.opts)
}

func TestHandleHTTP_GeneratesRequestID(t *testing.T) {
	t.Parallel()

	g := New(&fakeExec{})
	_, err := g.RegisterRoute("/x", "GET", "x", RouteOptions{})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), &Request{Method: "GET", Path: "/x"})
	assert.NotEmpty(t, resp.Metadata.RequestID)
	assert.Equal(t, resp.Metadata.RequestID, resp.Headers.Get("X-Request-ID"))
}

func TestHandleHTTP_MoreSpecificRouteWins(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	_, err := g.RegisterRoute("/users/:id", "GET", "users", RouteOptions{})
	require.NoError(t, err)
	_, err = g.RegisterRoute("/users/me", "GET", "profile", RouteOptions{})
	require.NoError(t, err)
	_, err = g.RegisterRoute("/users/*", "*", "fallback", RouteOptions{})
	require.NoError(t, err)

	g.HandleHTTP(context.Background(), get("/users/me"))
	assert.Equal(t, "profile", exec.last().service)
	g.HandleHTTP(context.Background(), get("/users/7"))
	assert.Equal(t, "users", exec.last().service)
	g.HandleHTTP(context.Background(), &Request{Method: http.MethodDelete, Path: "/users/7"})
	assert.Equal(t, "fallback", exec.last().service)
}

func TestHandleHTTP_MiddlewarePriorityOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	record := func(name string, priority int) Middleware {
		return Middleware{Name: name, Priority: priority, Handle: func(ctx context.Context, _ *Route, req *Request, next Handler) (*Response, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return next(ctx, req)
		}}
	}

	g := New(&fakeExec{},
		WithMiddleware(record("late", 70)),
		WithMiddleware(record("early", 5)),
		WithMiddleware(record("middle", 35)),
	)
	_, err := g.RegisterRoute("/x", "GET", "x", RouteOptions{
		Middleware: []string{"late", MiddlewareLogging, "middle", "early", MiddlewareValidation},
	})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), get("/x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"early", "middle", "late"}, order)
}

func TestHandleHTTP_ShortCircuit(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec, WithMiddleware(Middleware{Name: "deny", Priority: 1,
		Handle: func(context.Context, *Route, *Request, Handler) (*Response, error) {
			return &Response{StatusCode: http.StatusTeapot, Body: []byte("no")}, nil
		}}))
	_, err := g.RegisterRoute("/x", "GET", "x", RouteOptions{Middleware: []string{"deny", MiddlewareLogging}})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), get("/x"))
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, 0, exec.count())
}

func TestHandleHTTP_RecoversPanics(t *testing.T) {
	t.Parallel()

	g := New(&fakeExec{}, WithMiddleware(Middleware{Name: "boom", Priority: 1,
		Handle: func(context.Context, *Route, *Request, Handler) (*Response, error) {
			panic("boom")
		}}))
	_, err := g.RegisterRoute("/x", "GET", "x", RouteOptions{Middleware: []string{"boom"}})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), get("/x"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal", decodeError(t, resp).Error)
}

func TestHandleHTTP_Validation(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	_, err := g.RegisterRoute("/orders", "POST", "orders", RouteOptions{
		Validation: &config.RouteValidationConfig{
			RequiredHeaders: []string{"x-tenant"},
			RequiredQuery:   []string{"region"},
			RequireJSONBody: true,
			MaxBodyBytes:    64,
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		body   string
		status int
	}{
		{"valid", "acme", "eu", `{"a":1}`, http.StatusOK},
		{"missing header", "", "eu", `{"a":1}`, http.StatusBadRequest},
		{"missing query", "acme", "", `{"a":1}`, http.StatusBadRequest},
		{"not json", "acme", "eu", `{a:1`, http.StatusBadRequest},
		{"too large", "acme", "eu", `{"a":"` + strings.Repeat("x", 80) + `"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := &Request{Method: http.MethodPost, Path: "/orders", Headers: http.Header{}, Query: url.Values{}, Body: []byte(tt.body)}
			if tt.header != "" {
				req.Headers.Set("X-Tenant", tt.header)
			}
			if tt.query != "" {
				req.Query.Set("region", tt.query)
			}
			resp := g.HandleHTTP(context.Background(), req)
			assert.Equal(t, tt.status, resp.StatusCode, string(resp.Body))
		})
	}
}

func TestHandleHTTP_ValidationRequiresMethodAndPath(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	_, err := g.RegisterRoute("/", "*", "root", RouteOptions{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   *Request
		field string
	}{
		{"missing method", &Request{Path: "/"}, "method: required"},
		{"missing path", &Request{Method: http.MethodGet}, "path: required"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := g.HandleHTTP(context.Background(), tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(resp.Body))
			assert.Equal(t, "bad_request", decodeError(t, resp).Error)
			assert.Contains(t, string(resp.Body), tt.field)
		})
	}
}

func TestHandleHTTP_ValidationForwardsWellFormed(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	_, err := g.RegisterRoute("/", "*", "root", RouteOptions{})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, exec.count())

	g.HandleHTTP(context.Background(), &Request{Path: "/"})
	assert.Equal(t, 1, exec.count())
}

func TestHandleHTTP_MalformedWithoutRoute(t *testing.T) {
	t.Parallel()

	g := New(&fakeExec{})
	_, err := g.RegisterRoute("/widgets/:id", "GET", "widgets", RouteOptions{})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), &Request{Path: "/widgets/42"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = g.HandleHTTP(context.Background(), get("/gadgets/42"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

const jwtSecret = "gateway-test-secret-gateway-test"

func bearer(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Expiration(time.Now().Add(time.Hour)).
		Claim("roles", roles).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(jwtSecret)))
	require.NoError(t, err)
	return "Bearer " + string(signed)
}

func newAuthGateway(t *testing.T, exec Executor) *Gateway {
	t.Helper()
	v, err := auth.NewJWTValidator(config.JWTConfig{Secret: jwtSecret})
	require.NoError(t, err)
	return New(exec, WithAuthenticator(auth.NewAuthenticator(v, nil, nil)))
}

func TestHandleHTTP_AuthenticationAndAuthorization(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := newAuthGateway(t, exec)
	_, err := g.RegisterRoute("/admin", "GET", "admin", RouteOptions{
		Auth:  &config.RouteAuthConfig{Required: true},
		Authz: &config.RouteAuthzConfig{Roles: []string{"admin"}},
	})
	require.NoError(t, err)
	_, err = g.RegisterRoute("/public", "GET", "public", RouteOptions{})
	require.NoError(t, err)
	_, err = g.RegisterRoute("/owned/:user", "GET", "owned", RouteOptions{
		Authz: &config.RouteAuthzConfig{Expression: "principal.subject == request.params.user"},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		authz  string
		status int
	}{
		{"no credentials", "/admin", "", http.StatusUnauthorized},
		{"bad token", "/admin", "Bearer garbage", http.StatusUnauthorized},
		{"wrong role", "/admin", bearer(t, "bob", "viewer"), http.StatusForbidden},
		{"admin", "/admin", bearer(t, "alice", "admin"), http.StatusOK},
		{"public anonymous", "/public", "", http.StatusOK},
		{"public bad token still rejected", "/public", "Bearer garbage", http.StatusUnauthorized},
		{"expression anonymous", "/owned/alice", "", http.StatusUnauthorized},
		{"expression owner", "/owned/alice", bearer(t, "alice"), http.StatusOK},
		{"expression other", "/owned/alice", bearer(t, "bob"), http.StatusForbidden},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := get(tt.path)
			if tt.authz != "" {
				req.Headers.Set("Authorization", tt.authz)
			}
			resp := g.HandleHTTP(context.Background(), req)
			assert.Equal(t, tt.status, resp.StatusCode, string(resp.Body))
		})
	}
}

func TestHandleHTTP_RateLimit(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	id, err := g.RegisterRoute("/x", "GET", "x", RouteOptions{
		RateLimit: &config.RouteRateLimitConfig{RequestsPerSecond: 0.5, Burst: 2, KeyHeader: "X-Client"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.RemoveRoute(id) })

	send := func(client string) *Response {
		req := get("/x")
		req.Headers.Set("X-Client", client)
		return g.HandleHTTP(context.Background(), req)
	}

	first := send("a")
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "2", first.Headers.Get("X-RateLimit-Limit"))
	assert.Equal(t, http.StatusOK, send("a").StatusCode)

	limited := send("a")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.Equal(t, "2", limited.Headers.Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, limited).Error)

	assert.Equal(t, http.StatusOK, send("b").StatusCode, "clients have separate buckets")
	assert.Equal(t, 3, exec.count())
}

func TestHandleHTTP_Caching(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	mem := cache.NewMemory(100)
	t.Cleanup(func() { _ = mem.Close() })
	g := New(exec, WithCache(mem))
	_, err := g.RegisterRoute("/items", "*", "items", RouteOptions{
		Cache: &config.RouteCacheConfig{Enabled: true, TTL: config.Duration(time.Minute), VaryBy: []string{"Accept-Language"}},
	})
	require.NoError(t, err)

	first := g.HandleHTTP(context.Background(), get("/items"))
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.False(t, first.Metadata.CacheHit)

	second := g.HandleHTTP(context.Background(), get("/items"))
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.True(t, second.Metadata.CacheHit)
	assert.JSONEq(t, `{"ok":true}`, string(second.Body))
	assert.Equal(t, "items", second.Metadata.ServiceRoute)
	assert.Equal(t, 1, exec.count())

	other := get("/items")
	other.Headers.Set("Accept-Language", "de")
	assert.False(t, g.HandleHTTP(context.Background(), other).Metadata.CacheHit)

	g.HandleHTTP(context.Background(), &Request{Method: http.MethodPost, Path: "/items"})
	g.HandleHTTP(context.Background(), &Request{Method: http.MethodPost, Path: "/items"})
	assert.Equal(t, 4, exec.count(), "POST is never cached")
	assert.Equal(t, int64(1), mem.Stats().Hits)
}

func TestHandleHTTP_CachingExpires(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	mem := cache.NewMemory(100)
	t.Cleanup(func() { _ = mem.Close() })
	g := New(exec, WithCache(mem))
	_, err := g.RegisterRoute("/widgets/:id", "GET", "widgets", RouteOptions{
		Cache: &config.RouteCacheConfig{Enabled: true, TTL: config.Duration(50 * time.Millisecond)},
	})
	require.NoError(t, err)

	first := g.HandleHTTP(context.Background(), get("/widgets/42"))
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.False(t, first.Metadata.CacheHit)

	second := g.HandleHTTP(context.Background(), get("/widgets/42"))
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, exec.count())

	time.Sleep(120 * time.Millisecond)

	third := g.HandleHTTP(context.Background(), get("/widgets/42"))
	require.Equal(t, http.StatusOK, third.StatusCode)
	assert.False(t, third.Metadata.CacheHit)
	assert.Equal(t, 2, exec.count())
}

func TestHandleHTTP_CachingSkipsErrors(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{fn: func(string, *executor.Request) (*executor.Response, error) {
		return nil, util.NewNoHealthyInstanceError("items")
	}}
	mem := cache.NewMemory(100)
	t.Cleanup(func() { _ = mem.Close() })
	g := New(exec, WithCache(mem))
	_, err := g.RegisterRoute("/items", "GET", "items", RouteOptions{
		Cache: &config.RouteCacheConfig{Enabled: true, TTL: config.Duration(time.Minute)},
	})
	require.NoError(t, err)

	g.HandleHTTP(context.Background(), get("/items"))
	g.HandleHTTP(context.Background(), get("/items"))
	assert.Equal(t, 2, exec.count())
	assert.Equal(t, int64(0), mem.Stats().Entries)
}

func TestHandleHTTP_ErrorMapping(t *testing.T) {
	t.Parallel()

	failure := util.NewDispatchFailureError("e/0", http.StatusInternalServerError, nil)
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no healthy instance", util.NewNoHealthyInstanceError("x"), http.StatusNotFound, "not_found"},
		{"circuit open", util.NewCircuitOpenError("e/0"), http.StatusServiceUnavailable, "unavailable"},
		{"rate limited", util.NewRateLimitedError("e/0", time.Second), http.StatusTooManyRequests, "rate_limited"},
		{"timeout", util.NewDispatchTimeoutError("e/0", time.Second), http.StatusGatewayTimeout, "upstream_timeout"},
		{"exhausted", util.NewRetriesExhaustedError("x", 3, failure), http.StatusBadGateway, "upstream_failure"},
		{"unknown", assert.AnError, http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New(&fakeExec{fn: func(string, *executor.Request) (*executor.Response, error) {
				return nil, tt.err
			}})
			_, err := g.RegisterRoute("/x", "GET", "x", RouteOptions{})
			require.NoError(t, err)

			resp := g.HandleHTTP(context.Background(), get("/x"))
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
			body := decodeError(t, resp)
			assert.Equal(t, tt.code, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestHandleHTTP_UpstreamClientErrorPassesThrough(t *testing.T) {
	t.Parallel()

	g := New(&fakeExec{fn: func(string, *executor.Request) (*executor.Response, error) {
		return &executor.Response{
				StatusCode: http.StatusConflict,
				Headers:    http.Header{"Content-Type": {"application/json"}},
				Body:       []byte(`{"reason":"version mismatch"}`),
			},
			util.NewDispatchFailureError("e/0", http.StatusConflict, nil)
	}})
	_, err := g.RegisterRoute("/x", "PUT", "x", RouteOptions{})
	require.NoError(t, err)

	resp := g.HandleHTTP(context.Background(), &Request{Method: http.MethodPut, Path: "/x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.JSONEq(t, `{"reason":"version mismatch"}`, string(resp.Body))
}

func TestHandleHTTP_Transformations(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{}
	g := New(exec)
	_, err := g.RegisterRoute("/x", "GET", "x", RouteOptions{
		Transform: &config.TransformConfig{
			Request: &config.MessageTransform{
				SetHeaders:    map[string]string{"X-Forwarded-By": "mesh"},
				RemoveHeaders: []string{"Cookie"},
			},
			Response: &config.MessageTransform{
				MergeBody:  map[string]any{"gateway": "mesh"},
				StatusCode: http.StatusAccepted,
			},
		},
	})
	require.NoError(t, err)

	req := get("/x")
	req.Headers.Set("Cookie", "session=1")
	resp := g.HandleHTTP(context.Background(), req)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true,"gateway":"mesh"}`, string(resp.Body))
	assert.Equal(t, []string{
		"remove_header:Cookie",
		"set_header:X-Forwarded-By",
		"merge_body",
		"status:202",
	}, resp.Metadata.Transformations)

	sent := exec.last().req
	assert.Empty(t, sent.Headers.Get("Cookie"))
	assert.Equal(t, "mesh", sent.Headers.Get("X-Forwarded-By"))
	assert.Equal(t, "session=1", req.Headers.Get("Cookie"), "inbound request is not mutated")
}

func TestSyncRoutes(t *testing.T) {
	t.Parallel()

	g := New(&fakeExec{})
	apiID, err := g.RegisterRoute("/api", "GET", "api", RouteOptions{})
	require.NoError(t, err)

	require.NoError(t, g.SyncRoutes([]config.RouteConfig{
		{Path: "/a", Method: "GET", Service: "a"},
		{ID: "b", Path: "/b", Method: "GET", Service: "b"},
	}))
	assert.Len(t, g.Routes(), 3)
	_, ok := g.Route("cfg-get-/a")
	assert.True(t, ok)

	require.NoError(t, g.SyncRoutes([]config.RouteConfig{
		{ID: "b", Path: "/b", Method: "GET", Service: "b2"},
	}))
	routes := g.Routes()
	require.Len(t, routes, 2)
	b, ok := g.Route("b")
	require.True(t, ok)
	assert.Equal(t, "b2", b.Service)
	_, ok = g.Route(apiID)
	assert.True(t, ok)

	err = g.SyncRoutes([]config.RouteConfig{
		{ID: "c", Path: "/c", Method: "GET", Service: "c"},
		{Path: "bad", Method: "GET", Service: "d"},
	})
	require.Error(t, err)
	_, ok = g.Route("c")
	assert.False(t, ok, "failed sync changes nothing")

	err = g.SyncRoutes([]config.RouteConfig{{Path: "/api", Method: "GET", Service: "clash"}})
	require.Error(t, err)
	_, ok = g.Route("b")
	assert.True(t, ok)
}

func TestRoute_ConfigRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := config.RouteConfig{
		ID: "r1", Path: "/x/:id", Method: "GET", Service: "x", Version: "v1",
		Timeout: config.Duration(time.Second), Retries: 2, Middleware: []string{MiddlewareLogging},
		Tags: []string{"t"},
	}
	g := New(&fakeExec{})
	id, err := g.RegisterRouteConfig(cfg)
	require.NoError(t, err)
	r, ok := g.Route(id)
	require.True(t, ok)
	assert.Equal(t, cfg, r.Config())
}

func TestEngine(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{fn: func(_ string, req *executor.Request) (*executor.Response, error) {
		return &executor.Response{
			StatusCode: http.StatusCreated,
			Headers:    http.Header{"Content-Type": {"text/plain"}, "Content-Length": {"999"}},
			Body:       append([]byte("echo:"), req.Body...),
		}, nil
	}}
	g := New(exec)
	_, err := g.RegisterRoute("/echo", "POST", "echo", RouteOptions{})
	require.NoError(t, err)

	srv := httptest.NewServer(NewEngine(g, 16))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/echo", strings.NewReader("hello"))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "abc", resp.Header.Get("X-Request-ID"))
	var buf strings.Builder
	_, _ = io.Copy(&buf, resp.Body)
	assert.Equal(t, "echo:hello", buf.String())

	missing, err := srv.Client().Get(srv.URL + "/nothing")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, "application/json", missing.Header.Get("Content-Type"))

	big, err := srv.Client().Post(srv.URL+"/echo", "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	defer big.Body.Close()
	assert.Equal(t, http.StatusBadRequest, big.StatusCode)
}

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avamesh/internal/util"
)

const sampleConfig = `
listeners:
  gateway: ":18080"
registry:
  staleAfter: 2m
  loadBalancer: least_connections
breaker:
  failureThreshold: 3
  recoveryTimeout: 10s
cache:
  type: memory
auth:
  jwt:
    secret: ${MESH_TEST_JWT_SECRET:-fallback}
routes:
  - path: /orders/:id
    method: GET
    service: orders
    retries: 2
    cache:
      enabled: true
      ttl: 30s
      varyBy: [Accept]
  - path: /orders
    method: POST
    service: orders
    rateLimit:
      requestsPerSecond: 5
      burst: 5
`

func TestDuration_YAMLAndJSON(t *testing.T) {
	t.Parallel()

	var holder struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(`d: 1h30m`), &holder))
	assert.Equal(t, 90*time.Minute, holder.D.Duration())

	out, err := yaml.Marshal(holder)
	require.NoError(t, err)
	assert.Contains(t, string(out), "1h30m0s")

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration())
	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.Zero(t, d)
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	b, err := json.Marshal(Duration(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1s"`, string(b))

	assert.Equal(t, time.Minute, Duration(0).OrDefault(time.Minute))
	assert.Equal(t, time.Second, Duration(time.Second).OrDefault(time.Minute))
}

func TestLoadConfigFromReader(t *testing.T) {
	t.Setenv("MESH_TEST_JWT_SECRET", "s3cret")

	cfg, err := LoadConfigFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":18080", cfg.Listeners.Gateway)
	assert.Equal(t, DefaultAdminAddr, cfg.Listeners.Admin)
	assert.Equal(t, 2*time.Minute, cfg.Registry.StaleAfter.Duration())
	assert.Equal(t, "least_connections", cfg.Registry.LoadBalancer)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, DefaultHalfOpenMaxCalls, cfg.Breaker.HalfOpenMaxCalls)
	assert.Equal(t, "s3cret", cfg.Auth.JWT.Secret)
	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, DefaultRouteTimeout, cfg.Routes[0].Timeout.Duration())
	assert.Equal(t, []string{"Accept"}, cfg.Routes[0].Cache.VaryBy)

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfig_EnvDefaultAndEscape(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a-fallback-b", substituteEnvVars("a-${MESH_TEST_UNSET_VAR:-fallback}-b"))
	assert.Equal(t, "cost $5", substituteEnvVars("cost $$5"))
	assert.Equal(t, "", substituteEnvVars("${MESH_TEST_UNSET_VAR}"))
}

func TestLoadConfig_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("bogus: true\n"))
	assert.Error(t, err)
}

func TestLoadConfig_EmptyDocument(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleAfter, cfg.Registry.StaleAfter.Duration())
	assert.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*MeshConfig)
		field  string
	}{
		{"strategy", func(c *MeshConfig) { c.Registry.LoadBalancer = "fastest" }, "registry.loadBalancer"},
		{"cache type", func(c *MeshConfig) { c.Cache.Type = "disk" }, "cache.type"},
		{"redis url", func(c *MeshConfig) { c.Cache.Type = "redis" }, "cache.redis.url"},
		{"catalog", func(c *MeshConfig) { c.Catalog.Enabled = true }, "catalog.endpoints"},
		{"retry bounds", func(c *MeshConfig) { c.Retry.MaxDelay = 1 }, "retry.maxDelay"},
		{"dns domain", func(c *MeshConfig) { c.DNS.Domain = "mesh.local" }, "dns.domain"},
		{"route path", func(c *MeshConfig) {
			c.Routes = []RouteConfig{{Path: "orders", Method: "GET", Service: "orders"}}
		}, "routes[0].path"},
		{"route middleware", func(c *MeshConfig) {
			c.Routes = []RouteConfig{{Path: "/o", Method: "GET", Service: "orders", Middleware: []string{"gzip"}}}
		}, "routes[0].middleware"},
		{"route cache ttl", func(c *MeshConfig) {
			c.Routes = []RouteConfig{{Path: "/o", Method: "GET", Service: "orders", Cache: &RouteCacheConfig{Enabled: true}}}
		}, "routes[0].cache.ttl"},
		{"duplicate", func(c *MeshConfig) {
			c.Routes = []RouteConfig{
				{Path: "/o", Method: "GET", Service: "orders"},
				{Path: "/o", Method: "get", Service: "orders"},
			}
		}, "routes[1]"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateRoute(t *testing.T) {
	t.Parallel()

	ok := &RouteConfig{Path: "/users/:id", Method: "GET", Service: "users"}
	assert.NoError(t, ValidateRoute(ok))

	bad := &RouteConfig{Path: "/users", Method: "FETCH", Service: "Users", Retries: -1,
		RateLimit: &RouteRateLimitConfig{RequestsPerSecond: 0, Burst: 0},
		Transform: &TransformConfig{Response: &MessageTransform{StatusCode: 700}}}
	err := ValidateRoute(bad)
	require.Error(t, err)
	for _, field := range []string{"method", "service", "retries", "rateLimit", "statusCode"} {
		assert.Contains(t, err.Error(), field)
	}
	assert.Error(t, ValidateConfig(nil))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes: []\n"), 0o600))

	reloaded := make(chan *MeshConfig, 4)
	w, err := NewWatcher(path, func(c *MeshConfig) { reloaded <- c }, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()
	assert.Empty(t, w.LastConfig().Routes)

	next := "routes:\n  - path: /a\n    method: GET\n    service: alpha\n"
	require.NoError(t, os.WriteFile(path, []byte(next), 0o600))

	select {
	case cfg := <-reloaded:
		require.Len(t, cfg.Routes, 1)
		assert.Equal(t, "alpha", cfg.Routes[0].Service)
		assert.Len(t, w.LastConfig().Routes, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes: []\n"), 0o600))

	errCh := make(chan error, 4)
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(err error) { errCh <- err }),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("registry:\n  loadBalancer: nope\n"), 0o600))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, util.ErrConfigInvalid)
		assert.Equal(t, DefaultLoadBalancer, w.LastConfig().Registry.LoadBalancer)
	case <-time.After(5 * time.Second):
		t.Fatal("expected reload error")
	}
}

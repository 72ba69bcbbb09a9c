package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags([]string{"--config", "mesh.yaml", "--log-level", "debug", "--no-watch"})
	require.NoError(t, err)
	assert.Equal(t, "mesh.yaml", flags.configPath)
	assert.Equal(t, "debug", flags.logLevel)
	assert.False(t, flags.watch)

	_, err = parseFlags([]string{"--log-format", "xml"})
	assert.Error(t, err)
}

func TestParseFlags_Env(t *testing.T) {
	t.Setenv("MESH_CONFIG", "/etc/mesh/mesh.yaml")
	t.Setenv("MESH_LOG_FORMAT", "console")

	flags, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/mesh/mesh.yaml", flags.configPath)
	assert.Equal(t, "console", flags.logFormat)
	assert.True(t, flags.watch)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(cliFlags{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultGatewayAddr, cfg.Listeners.Gateway)

	path := writeConfig(t, `
logging: {level: warn}
registry: {loadBalancer: least_connections}
routes:
  - {path: /orders/:id, method: GET, service: orders}
`)
	cfg, err = loadConfig(cliFlags{configPath: path, logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "least_connections", cfg.Registry.LoadBalancer)
	assert.Len(t, cfg.Routes, 1)

	_, err = loadConfig(cliFlags{configPath: writeConfig(t, "registry: {loadBalancer: fastest}\n")})
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = loadConfig(cliFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestApplication_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Listeners = config.ListenersConfig{
		Gateway: "127.0.0.1:0",
		Admin:   "127.0.0.1:0",
		Metrics: "127.0.0.1:0",
		DNS:     "127.0.0.1:0",
	}
	cfg.Routes = []config.RouteConfig{{Path: "/orders", Method: "GET", Service: "orders"}}

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { app.close(context.Background()) })

	require.Len(t, app.gateway.Routes(), 1)
	require.NotNil(t, app.dns)
	assert.Nil(t, app.mirror)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, app.start(ctx))

	done := make(chan error, 1)
	go func() { done <- app.serve(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestApplication_RejectsBadRoutes(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Routes = []config.RouteConfig{{Path: "orders", Method: "GET", Service: "orders"}}

	_, err := newApplication(cfg, observability.NopLogger())
	assert.ErrorContains(t, err, "load routes")
}

func TestConfigWatcher_ReloadsRoutesAndQuota(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "routes:\n  - {path: /a, method: GET, service: alpha}\n")
	cfg, err := loadConfig(cliFlags{configPath: path})
	require.NoError(t, err)

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { app.close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	watcher, err := startConfigWatcher(ctx, app, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Stop() })

	require.NoError(t, os.WriteFile(path, []byte(`
quota: {maxServices: 1}
routes:
  - {path: /a, method: GET, service: alpha}
  - {path: /b, method: GET, service: beta}
`), 0o600))

	assert.Eventually(t, func() bool { return len(app.gateway.Routes()) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return app.quota.Admit(ctx, "gamma", 0, 1) != nil
	}, 5*time.Second, 20*time.Millisecond)
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter int

func (c counter) Count() int { return int(c) }

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name   string
		checks map[string]namedCheck
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all passing", map[string]namedCheck{"a": {ok, true}, "b": {ok, false}}, StatusHealthy},
		{"non-critical failing", map[string]namedCheck{"a": {ok, true}, "b": {fail, false}}, StatusDegraded},
		{"critical failing", map[string]namedCheck{"a": {fail, true}, "b": {fail, false}}, StatusUnhealthy},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewChecker("test")
			for name, chk := range tt.checks {
				c.Register(name, chk.critical, chk.fn)
			}
			resp := c.Readiness(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestChecker_CheckTimeout(t *testing.T) {
	t.Parallel()

	c := NewChecker("test")
	c.timeout = 0
	c.Register("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	resp := c.Readiness(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestChecker_Unregister(t *testing.T) {
	t.Parallel()

	c := NewChecker("test")
	c.Register("x", true, func(context.Context) error { return errors.New("down") })
	c.Unregister("x")
	assert.Equal(t, StatusHealthy, c.Readiness(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	c := NewChecker("1.2.3")
	var registered counter
	c.Register("registry", true, PopulatedCheck("instances", &registered))

	r := gin.New()
	r.GET("/healthz", c.LivenessHandler)
	r.GET("/readyz", c.ReadinessHandler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, StatusHealthy, health.Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "no instances registered", ready.Checks["registry"].Message)

	registered = 1
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRedisCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisCheck(client)
	assert.NoError(t, check(context.Background()))

	mr.Close()
	assert.ErrorContains(t, check(context.Background()), "redis ping failed")
	assert.Error(t, RedisCheck(nil)(context.Background()))
}

// Package admin serves the control plane management API: instance
// registration, discovery, routes, circuit breakers, the event stream and
// control plane health.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamesh/internal/gateway"
	"github.com/vyrodovalexey/avamesh/internal/health"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

// DefaultMaxRequestBodyBytes bounds admin request bodies.
const DefaultMaxRequestBodyBytes = 1 << 20

var ginModeOnce sync.Once

// Server is the admin HTTP server.
type Server struct {
	registry *registry.Registry
	gateway  *gateway.Gateway
	checker  *health.Checker
	events   http.Handler
	metrics  *observability.Metrics
	logger   observability.Logger
	engine   *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth serves /healthz and /readyz from checker.
func WithHealth(checker *health.Checker) Option {
	return func(s *Server) {
		s.checker = checker
	}
}

// WithEvents serves the event stream at /v1/events.
func WithEvents(h http.Handler) Option {
	return func(s *Server) {
		s.events = h
	}
}

// WithMetrics records admin requests into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates the admin server. gw may be nil when the gateway is
// disabled; the route endpoints then answer 404.
func NewServer(reg *registry.Registry, gw *gateway.Gateway, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		registry: reg,
		gateway:  gw,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.newEngine()
	return s
}

func (s *Server) newEngine() *gin.Engine {
	engine := gin.New()
	// Endpoint ids contain a slash and arrive escaped as %2F.
	engine.UseRawPath = true
	engine.Use(gin.Recovery(), s.accessLog(), s.bodyLimit(DefaultMaxRequestBodyBytes))

	if s.checker != nil {
		engine.GET("/healthz", s.checker.LivenessHandler)
		engine.GET("/readyz", s.checker.ReadinessHandler)
	}

	v1 := engine.Group("/v1")
	v1.POST("/instances", s.registerInstance)
	v1.GET("/instances/:id", s.getInstance)
	v1.DELETE("/instances/:id", s.deregisterInstance)
	v1.PUT("/instances/:id/heartbeat", s.heartbeat)
	v1.PUT("/instances/:id/status", s.updateStatus)

	v1.GET("/services", s.listServices)
	v1.GET("/services/:name", s.discover)

	v1.POST("/routes", s.registerRoute)
	v1.GET("/routes", s.listRoutes)
	v1.GET("/routes/:id", s.getRoute)
	v1.DELETE("/routes/:id", s.removeRoute)

	v1.GET("/breakers", s.listBreakers)
	v1.POST("/breakers/:id/reset", s.resetBreaker)

	if s.events != nil {
		v1.GET("/events", gin.WrapH(s.events))
	}

	engine.NoRoute(func(c *gin.Context) {
		writeError(c, util.NewNotFoundError("path", c.Request.URL.Path))
	})
	return engine
}

// Handler returns the admin HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("admin server listening", observability.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.RecordRequest(c.Request.Method, "admin:"+route, c.Writer.Status(), duration)
		}
		s.logger.Debug("admin request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", duration),
		)
	}
}

func (s *Server) bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeError(c *gin.Context, err error) {
	body := errorBody{Error: util.ErrorCode(err), Message: err.Error()}
	var ve *util.ValidationError
	if errors.As(err, &ve) && ve.HasFields() {
		body.Fields = ve.Fields
	}
	c.AbortWithStatusJSON(util.HTTPStatus(err), body)
}

package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamesh/internal/circuitbreaker"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/gateway"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

// DefaultEndpointWeight applies to endpoints registered without a weight.
const DefaultEndpointWeight = 1

// EndpointRequest is one endpoint of a registration. A missing weight
// defaults to DefaultEndpointWeight; an explicit 0 keeps the endpoint out of
// weighted selection.
type EndpointRequest struct {
	Host      string              `json:"host"`
	Port      int                 `json:"port"`
	Path      string              `json:"path,omitempty"`
	Weight    *int                `json:"weight,omitempty"`
	Tags      []string            `json:"tags,omitempty"`
	RateLimit *registry.RateLimit `json:"rateLimit,omitempty"`
}

// HealthCheckRequest is the health check part of a registration.
type HealthCheckRequest struct {
	Enabled            bool            `json:"enabled"`
	Type               string          `json:"type,omitempty"`
	Path               string          `json:"path,omitempty"`
	Port               int             `json:"port,omitempty"`
	Interval           config.Duration `json:"interval,omitempty"`
	Timeout            config.Duration `json:"timeout,omitempty"`
	HealthyThreshold   int             `json:"healthyThreshold,omitempty"`
	UnhealthyThreshold int             `json:"unhealthyThreshold,omitempty"`
	GRPCService        string          `json:"grpcService,omitempty"`
}

// RegisterRequest is the body of POST /v1/instances.
type RegisterRequest struct {
	ServiceName string              `json:"serviceName"`
	Version     string              `json:"version,omitempty"`
	Protocol    registry.Protocol   `json:"protocol,omitempty"`
	Endpoints   []EndpointRequest   `json:"endpoints"`
	HealthCheck *HealthCheckRequest `json:"healthCheck,omitempty"`
	Metadata    registry.Metadata   `json:"metadata"`
}

// Instance converts the request into a registry instance.
func (r *RegisterRequest) Instance() registry.Instance {
	inst := registry.Instance{
		ServiceName: r.ServiceName,
		Version:     r.Version,
		Protocol:    r.Protocol,
		Metadata:    r.Metadata,
		Endpoints:   make([]registry.Endpoint, 0, len(r.Endpoints)),
	}
	for _, ep := range r.Endpoints {
		weight := DefaultEndpointWeight
		if ep.Weight != nil {
			weight = *ep.Weight
		}
		inst.Endpoints = append(inst.Endpoints, registry.Endpoint{
			Host:      ep.Host,
			Port:      ep.Port,
			Path:      ep.Path,
			Weight:    weight,
			Tags:      ep.Tags,
			RateLimit: ep.RateLimit,
		})
	}
	if hc := r.HealthCheck; hc != nil {
		inst.HealthCheck = registry.HealthCheck{
			Enabled:            hc.Enabled,
			Type:               hc.Type,
			Path:               hc.Path,
			Port:               hc.Port,
			Interval:           hc.Interval.Duration(),
			Timeout:            hc.Timeout.Duration(),
			HealthyThreshold:   hc.HealthyThreshold,
			UnhealthyThreshold: hc.UnhealthyThreshold,
			GRPCService:        hc.GRPCService,
		}
	}
	return inst
}

// StatusRequest is the body of PUT /v1/instances/:id/status.
type StatusRequest struct {
	Status registry.Status `json:"status"`
}

// ServiceResponse lists the instances of one service.
type ServiceResponse struct {
	Service   string              `json:"service"`
	Instances []registry.Instance `json:"instances"`
}

// RouteView is a route as the admin API shows it.
type RouteView struct {
	config.RouteConfig
	Origin    gateway.Origin `json:"origin"`
	CreatedAt time.Time      `json:"createdAt"`
}

func routeView(r gateway.Route) RouteView {
	return RouteView{RouteConfig: r.Config(), Origin: r.Origin, CreatedAt: r.CreatedAt}
}

type idResponse struct {
	ID string `json:"id"`
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, util.NewValidationError("request body too large"))
			return false
		}
		writeError(c, util.NewValidationError("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) registerInstance(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	id, err := s.registry.Register(c.Request.Context(), req.Instance())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (s *Server) getInstance(c *gin.Context) {
	id := c.Param("id")
	inst, ok := s.registry.Get(id)
	if !ok {
		writeError(c, util.NewNotFoundError("instance", id))
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) deregisterInstance(c *gin.Context) {
	id := c.Param("id")
	if !s.registry.Deregister(c.Request.Context(), id) {
		writeError(c, util.NewNotFoundError("instance", id))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) heartbeat(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Heartbeat(id); err != nil {
		writeError(c, err)
		return
	}
	s.getInstance(c)
}

func (s *Server) updateStatus(c *gin.Context) {
	var req StatusRequest
	if !bindJSON(c, &req) {
		return
	}
	id := c.Param("id")
	if err := s.registry.UpdateStatus(id, req.Status); err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("instance status set through admin API",
		observability.String("id", id),
		observability.String("status", string(req.Status)),
	)
	s.getInstance(c)
}

func (s *Server) listServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.registry.Services()})
}

// discover answers GET /v1/services/:name. Only healthy instances are listed
// unless all=true. A service without any instance is 404.
func (s *Server) discover(c *gin.Context) {
	name := c.Param("name")
	tags := c.QueryArray("tag")

	all := false
	if v := c.Query("all"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			ve := util.NewValidationError("invalid query")
			ve.AddField("all", "must be a boolean")
			writeError(c, ve)
			return
		}
		all = parsed
	}

	if len(s.registry.DiscoverAll(name)) == 0 {
		writeError(c, util.NewNotFoundError("service", name))
		return
	}

	var instances []registry.Instance
	if all {
		instances = s.registry.DiscoverAll(name, tags...)
	} else {
		instances = s.registry.Discover(name, tags...)
	}
	if instances == nil {
		instances = []registry.Instance{}
	}
	c.JSON(http.StatusOK, ServiceResponse{Service: name, Instances: instances})
}

func (s *Server) registerRoute(c *gin.Context) {
	if s.gateway == nil {
		writeError(c, util.NewNotFoundError("gateway", "disabled"))
		return
	}
	var cfg config.RouteConfig
	if !bindJSON(c, &cfg) {
		return
	}
	id, err := s.gateway.RegisterRouteConfig(cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (s *Server) listRoutes(c *gin.Context) {
	if s.gateway == nil {
		writeError(c, util.NewNotFoundError("gateway", "disabled"))
		return
	}
	routes := s.gateway.Routes()
	views := make([]RouteView, 0, len(routes))
	for _, r := range routes {
		views = append(views, routeView(r))
	}
	c.JSON(http.StatusOK, gin.H{"routes": views})
}

func (s *Server) getRoute(c *gin.Context) {
	if s.gateway == nil {
		writeError(c, util.NewNotFoundError("gateway", "disabled"))
		return
	}
	id := c.Param("id")
	r, ok := s.gateway.Route(id)
	if !ok {
		writeError(c, util.NewNotFoundError("route", id))
		return
	}
	c.JSON(http.StatusOK, routeView(r))
}

func (s *Server) removeRoute(c *gin.Context) {
	if s.gateway == nil {
		writeError(c, util.NewNotFoundError("gateway", "disabled"))
		return
	}
	id := c.Param("id")
	if !s.gateway.RemoveRoute(id) {
		writeError(c, util.NewNotFoundError("route", id))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listBreakers(c *gin.Context) {
	stats := s.registry.Breakers().Stats()
	if stats == nil {
		stats = []circuitbreaker.Stats{}
	}
	c.JSON(http.StatusOK, gin.H{"breakers": stats})
}

func (s *Server) resetBreaker(c *gin.Context) {
	id := c.Param("id")
	breakers := s.registry.Breakers()
	if !breakers.Reset(id) {
		writeError(c, util.NewNotFoundError("breaker", id))
		return
	}
	s.logger.Info("circuit breaker reset through admin API", observability.String("endpoint", id))
	c.JSON(http.StatusOK, breakers.Get(id).Stats())
}

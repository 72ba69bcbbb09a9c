package registry

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Status is the health status of an instance.
type Status string

// Instance statuses.
const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDraining  Status = "draining"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusHealthy, StatusUnhealthy, StatusDraining:
		return true
	}
	return false
}

// Protocol is the wire protocol an instance speaks.
type Protocol string

// Supported protocols.
const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolGRPC  Protocol = "grpc"
	ProtocolTCP   Protocol = "tcp"
)

// Health check probe types.
const (
	CheckHTTP = "http"
	CheckTCP  = "tcp"
	CheckGRPC = "grpc"
)

// Endpoint is one addressable listener of an instance. Each endpoint owns a
// circuit breaker and a rate limiter keyed by its ID.
type Endpoint struct {
	ID        string     `json:"id"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Path      string     `json:"path,omitempty"`
	Weight    int        `json:"weight"`
	Tags      []string   `json:"tags,omitempty"`
	RateLimit *RateLimit `json:"rateLimit,omitempty"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// RateLimit overrides the default endpoint token bucket.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

// HealthCheck configures active probing of an instance.
type HealthCheck struct {
	Enabled            bool          `json:"enabled"`
	Type               string        `json:"type,omitempty"`
	Path               string        `json:"path,omitempty"`
	Port               int           `json:"port,omitempty"`
	Interval           time.Duration `json:"interval,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
	HealthyThreshold   int           `json:"healthyThreshold,omitempty"`
	UnhealthyThreshold int           `json:"unhealthyThreshold,omitempty"`
	GRPCService        string        `json:"grpcService,omitempty"`
}

// Metadata describes where an instance runs and what it offers.
type Metadata struct {
	Region       string            `json:"region,omitempty"`
	Zone         string            `json:"zone,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Instance is one registered copy of a service.
type Instance struct {
	ID           string      `json:"id"`
	ServiceName  string      `json:"serviceName"`
	Version      string      `json:"version,omitempty"`
	Protocol     Protocol    `json:"protocol"`
	Endpoints    []Endpoint  `json:"endpoints"`
	HealthCheck  HealthCheck `json:"healthCheck"`
	Metadata     Metadata    `json:"metadata"`
	RegisteredAt time.Time   `json:"registeredAt"`
	LastSeen     time.Time   `json:"lastSeen"`
	Status       Status      `json:"status"`
}

// HasTags reports whether the instance carries every tag in tags.
func (i *Instance) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range i.Metadata.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// clone returns a deep copy safe to hand out of the registry.
func (i *Instance) clone() Instance {
	out := *i
	out.Endpoints = make([]Endpoint, len(i.Endpoints))
	for n, ep := range i.Endpoints {
		out.Endpoints[n] = ep
		out.Endpoints[n].Tags = append([]string(nil), ep.Tags...)
		if ep.RateLimit != nil {
			rl := *ep.RateLimit
			out.Endpoints[n].RateLimit = &rl
		}
	}
	out.Metadata.Capabilities = append([]string(nil), i.Metadata.Capabilities...)
	out.Metadata.Tags = append([]string(nil), i.Metadata.Tags...)
	if i.Metadata.Labels != nil {
		out.Metadata.Labels = make(map[string]string, len(i.Metadata.Labels))
		for k, v := range i.Metadata.Labels {
			out.Metadata.Labels[k] = v
		}
	}
	return out
}

// EndpointID builds the id of the n-th endpoint of an instance.
func EndpointID(instanceID string, n int) string {
	return fmt.Sprintf("%s/%d", instanceID, n)
}

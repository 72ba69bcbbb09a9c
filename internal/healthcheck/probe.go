package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Prober runs one health probe against an instance. A nil error means the
// instance is healthy.
type Prober interface {
	Probe(ctx context.Context, inst registry.Instance) error
}

// ProbeTarget returns the host:port a probe for inst dials: the first
// endpoint, with the health check port override applied.
func ProbeTarget(inst registry.Instance) (string, error) {
	if len(inst.Endpoints) == 0 {
		return "", fmt.Errorf("instance %s has no endpoints", inst.ID)
	}
	ep := inst.Endpoints[0]
	port := ep.Port
	if inst.HealthCheck.Port > 0 {
		port = inst.HealthCheck.Port
	}
	return net.JoinHostPort(ep.Host, strconv.Itoa(port)), nil
}

// HTTPProber sends GET <path> and expects a 2xx answer.
type HTTPProber struct {
	Client *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, inst registry.Instance) error {
	addr, err := ProbeTarget(inst)
	if err != nil {
		return err
	}

	scheme := "http"
	if inst.Protocol == registry.ProtocolHTTPS && inst.HealthCheck.Port == 0 {
		scheme = "https"
	}
	url := scheme + "://" + addr + inst.HealthCheck.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// TCPProber succeeds when a TCP connection can be opened.
type TCPProber struct {
	Dialer net.Dialer
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, inst registry.Instance) error {
	addr, err := ProbeTarget(inst)
	if err != nil {
		return err
	}
	conn, err := p.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// GRPCProber calls grpc.health.v1.Health/Check and expects SERVING.
// Connections are pooled per address.
type GRPCProber struct {
	logger observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCProber creates a gRPC prober.
func NewGRPCProber(logger observability.Logger) *GRPCProber {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &GRPCProber{
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, inst registry.Instance) error {
	addr, err := ProbeTarget(inst)
	if err != nil {
		return err
	}

	conn, err := p.conn(addr)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: inst.HealthCheck.GRPCService,
	})
	if err != nil {
		p.drop(addr)
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		p.closeLocked(addr, conn)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

func (p *GRPCProber) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		p.closeLocked(addr, conn)
	}
}

func (p *GRPCProber) closeLocked(addr string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		p.logger.Warn("failed to close gRPC health connection",
			observability.String("addr", addr),
			observability.Error(err),
		)
	}
	delete(p.conns, addr)
}

// Close releases every pooled connection.
func (p *GRPCProber) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		p.closeLocked(addr, conn)
	}
}

// Probers dispatches to the prober matching an instance's check type.
type Probers struct {
	HTTP Prober
	TCP  Prober
	GRPC Prober
}

// Probe implements Prober.
func (p *Probers) Probe(ctx context.Context, inst registry.Instance) error {
	var pr Prober
	switch inst.HealthCheck.Type {
	case registry.CheckTCP:
		pr = p.TCP
	case registry.CheckGRPC:
		pr = p.GRPC
	default:
		pr = p.HTTP
	}
	if pr == nil {
		return fmt.Errorf("no prober for check type %q", inst.HealthCheck.Type)
	}
	return pr.Probe(ctx, inst)
}

// Package dnsdiscovery answers DNS queries for mesh services from the
// registry. For a domain of "mesh.local." it serves:
//
//	orders.mesh.local.             A/AAAA and SRV for healthy endpoints
//	_orders._tcp.mesh.local.       SRV for healthy endpoints
//	<instance>-<n>.orders.mesh.local.  A/AAAA of one endpoint (SRV targets)
//
// Names outside the domain are refused; nothing is forwarded upstream.
package dnsdiscovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

var queriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "dns",
		Name:      "queries_total",
		Help:      "DNS queries by type and response code",
	},
	[]string{"qtype", "rcode"},
)

// Resolver is the part of the registry the server reads.
type Resolver interface {
	Discover(name string, tags ...string) []registry.Instance
	DiscoverAll(name string, tags ...string) []registry.Instance
}

// Server is a DNS responder for one mesh domain.
type Server struct {
	resolver Resolver
	domain   string
	ttl      uint32
	logger   observability.Logger

	mu      sync.Mutex
	servers []*dns.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a responder for cfg.Domain.
func NewServer(resolver Resolver, cfg config.DNSConfig, opts ...Option) *Server {
	domain := cfg.Domain
	if domain == "" {
		domain = config.DefaultDNSDomain
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = config.DefaultDNSTTL
	}
	s := &Server{
		resolver: resolver,
		domain:   strings.ToLower(dns.Fqdn(domain)),
		ttl:      ttl,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe serves UDP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &dns.Server{Addr: addr, Net: "udp", Handler: s}
	s.track(srv)
	s.logger.Info("DNS server listening", observability.String("addr", addr), observability.String("domain", s.domain))
	return srv.ListenAndServe()
}

// Serve serves on an existing packet connection until Shutdown. started,
// when not nil, is called once the server accepts queries.
func (s *Server) Serve(pc net.PacketConn, started func()) error {
	srv := &dns.Server{PacketConn: pc, Handler: s, NotifyStartedFunc: started}
	s.track(srv)
	return srv.ActivateAndServe()
}

func (s *Server) track(srv *dns.Server) {
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
}

// Shutdown stops every listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	qtype := "none"
	defer func() {
		queriesTotal.WithLabelValues(qtype, dns.RcodeToString[m.Rcode]).Inc()
		if err := w.WriteMsg(m); err != nil {
			s.logger.Debug("failed to write DNS response", observability.Error(err))
		}
	}()

	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		return
	}
	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		return
	}

	q := r.Question[0]
	qtype = dns.TypeToString[q.Qtype]
	name := strings.ToLower(q.Name)
	if !dns.IsSubDomain(s.domain, name) {
		m.Rcode = dns.RcodeRefused
		return
	}
	m.Authoritative = true

	answer, extra, found := s.lookup(name, q.Qtype)
	if !found {
		m.Rcode = dns.RcodeNameError
		m.Ns = append(m.Ns, s.soa())
		return
	}
	m.Answer = answer
	m.Extra = extra
	if len(answer) == 0 {
		m.Ns = append(m.Ns, s.soa())
	}
}

// lookup resolves name. found is false when the name does not exist at
// all; an existing name with nothing healthy yields no records.
func (s *Server) lookup(name string, qtype uint16) (answer, extra []dns.RR, found bool) {
	rel := strings.TrimSuffix(strings.TrimSuffix(name, s.domain), ".")
	if rel == "" {
		return nil, nil, true
	}
	labels := dns.SplitDomainName(rel)

	switch {
	case len(labels) == 2 && strings.HasPrefix(labels[0], "_") && labels[1] == "_tcp":
		service := strings.TrimPrefix(labels[0], "_")
		if !s.exists(service) {
			return nil, nil, false
		}
		if qtype == dns.TypeSRV || qtype == dns.TypeANY {
			answer, extra = s.srv(name, service)
		}
		return answer, extra, true

	case len(labels) == 1:
		service := labels[0]
		if !s.exists(service) {
			return nil, nil, false
		}
		healthy := s.resolver.Discover(service)
		switch qtype {
		case dns.TypeSRV:
			answer, extra = s.srv(name, service)
		case dns.TypeA, dns.TypeAAAA, dns.TypeANY:
			for _, inst := range healthy {
				for _, ep := range inst.Endpoints {
					if rr := s.address(name, ep.Host, qtype); rr != nil {
						answer = append(answer, rr)
					}
				}
			}
		}
		return answer, extra, true

	case len(labels) == 2:
		ep, ok := s.endpoint(labels[1], labels[0])
		if !ok {
			return nil, nil, false
		}
		if rr := s.address(name, ep.Host, qtype); rr != nil {
			answer = append(answer, rr)
		}
		return answer, nil, true
	}
	return nil, nil, false
}

func (s *Server) exists(service string) bool {
	return len(s.resolver.DiscoverAll(service)) > 0
}

func (s *Server) srv(name, service string) (answer, extra []dns.RR) {
	for _, inst := range s.resolver.Discover(service) {
		for n, ep := range inst.Endpoints {
			target := dns.Fqdn(strings.ToLower(ep.Host))
			if ip := net.ParseIP(ep.Host); ip != nil {
				target = endpointLabel(inst.ID, n) + "." + service + "." + s.domain
				if rr := s.address(target, ep.Host, dns.TypeANY); rr != nil {
					extra = append(extra, rr)
				}
			}
			answer = append(answer, &dns.SRV{
				Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: s.ttl},
				Priority: 10,
				Weight:   clampWeight(ep.Weight),
				Port:     uint16(ep.Port), //nolint:gosec // ports are validated on registration
				Target:   target,
			})
		}
	}
	return answer, extra
}

// endpoint finds the healthy endpoint behind an SRV target label.
func (s *Server) endpoint(service, label string) (registry.Endpoint, bool) {
	for _, inst := range s.resolver.Discover(service) {
		for n, ep := range inst.Endpoints {
			if endpointLabel(inst.ID, n) == label {
				return ep, true
			}
		}
	}
	return registry.Endpoint{}, false
}

// address returns an A or AAAA record for host when host is an IP of the
// requested family. TypeANY accepts either family.
func (s *Server) address(name, host string, qtype uint16) dns.RR {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		if qtype != dns.TypeA && qtype != dns.TypeANY {
			return nil
		}
		return &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.ttl},
			A:   v4,
		}
	}
	if qtype != dns.TypeAAAA && qtype != dns.TypeANY {
		return nil
	}
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: s.ttl},
		AAAA: ip,
	}
}

func (s *Server) soa() dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: s.domain, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: s.ttl},
		Ns:      "ns." + s.domain,
		Mbox:    "hostmaster." + s.domain,
		Serial:  1,
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  s.ttl,
	}
}

func endpointLabel(instanceID string, n int) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(instanceID), n)
}

func clampWeight(w int) uint16 {
	switch {
	case w < 0:
		return 0
	case w > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(w)
	}
}

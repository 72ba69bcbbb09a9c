// Package registry is the authoritative in-memory store of service
// instances. It owns the per-endpoint circuit breakers and rate limiters,
// hands instances to the health monitor, and fans changes out to observers.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamesh/internal/circuitbreaker"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

// DefaultStaleAfter is how long an instance may go unseen before the sweep removes it.
const DefaultStaleAfter = 5 * time.Minute

// HealthMonitor runs active health checks for registered instances.
type HealthMonitor interface {
	Watch(inst Instance)
	Unwatch(id string)
}

// Admission decides whether a registration may proceed. It is consulted with
// the registry write lock held and must not block.
type Admission interface {
	Admit(ctx context.Context, serviceName string, serviceInstances, services int) error
}

// entry guards one instance; status and LastSeen change under its own lock.
type entry struct {
	mu   sync.RWMutex
	inst Instance
}

func (e *entry) snapshot() Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inst.clone()
}

// Registry stores service instances.
type Registry struct {
	// lifecycle orders the side effects of Register and remove (breakers,
	// limiters, health loops) so a concurrent deregistration never leaves
	// them behind. The health loop never takes it.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	instances map[string]*entry
	byService map[string]map[string]*entry

	breakers  *circuitbreaker.Registry
	limiters  *ratelimit.Registry
	monitor   HealthMonitor
	admission Admission
	observers observerList

	healthDefaults HealthCheck
	logger         observability.Logger
	now            func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithBreakers sets the circuit breaker registry.
func WithBreakers(b *circuitbreaker.Registry) Option {
	return func(r *Registry) {
		r.breakers = b
	}
}

// WithLimiters sets the endpoint rate limiter registry.
func WithLimiters(l *ratelimit.Registry) Option {
	return func(r *Registry) {
		r.limiters = l
	}
}

// WithHealthMonitor sets the monitor that probes instances with health checks enabled.
func WithHealthMonitor(m HealthMonitor) Option {
	return func(r *Registry) {
		r.monitor = m
	}
}

// WithAdmission sets the quota admission check.
func WithAdmission(a Admission) Option {
	return func(r *Registry) {
		r.admission = a
	}
}

// WithHealthDefaults sets values applied to health checks that leave them zero.
func WithHealthDefaults(hc HealthCheck) Option {
	return func(r *Registry) {
		r.healthDefaults = hc
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		instances: make(map[string]*entry),
		byService: make(map[string]map[string]*entry),
		logger:    observability.NopLogger(),
		now:       time.Now,
		healthDefaults: HealthCheck{
			Interval:           10 * time.Second,
			Timeout:            5 * time.Second,
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = circuitbreaker.NewRegistry(nil, nil)
	}
	if r.limiters == nil {
		r.limiters = ratelimit.NewRegistry(ratelimit.DefaultRequestsPerSecond, ratelimit.DefaultBurst, nil)
	}
	return r
}

// SetHealthMonitor attaches the monitor after construction; the monitor
// usually needs the registry itself to report results.
func (r *Registry) SetHealthMonitor(m HealthMonitor) {
	r.mu.Lock()
	r.monitor = m
	r.mu.Unlock()
}

type registerOptions struct {
	origin   Origin
	preserve bool
}

// RegisterOption adjusts a single registration.
type RegisterOption func(*registerOptions)

// FromCatalog marks a registration as mirrored from the durable catalog. The
// instance keeps its ID and timestamps and skips the admission check.
func FromCatalog() RegisterOption {
	return func(o *registerOptions) {
		o.origin = OriginCatalog
		o.preserve = true
	}
}

// Register validates and stores inst and returns its id.
func (r *Registry) Register(ctx context.Context, inst Instance, opts ...RegisterOption) (string, error) {
	ro := registerOptions{origin: OriginLocal}
	for _, o := range opts {
		o(&ro)
	}

	inst = inst.clone()
	r.normalize(&inst)
	if err := Validate(&inst); err != nil {
		return "", err
	}

	now := r.now()
	if !ro.preserve || inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if !ro.preserve || inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = now
		inst.LastSeen = now
	}
	if !ro.preserve || !inst.Status.Valid() {
		inst.Status = StatusHealthy
		if inst.HealthCheck.Enabled {
			inst.Status = StatusUnknown
		}
	}
	for n := range inst.Endpoints {
		inst.Endpoints[n].ID = EndpointID(inst.ID, n)
	}

	r.lifecycle.Lock()
	r.mu.Lock()
	if _, exists := r.instances[inst.ID]; exists {
		r.mu.Unlock()
		r.lifecycle.Unlock()
		return "", util.NewValidationError("instance already registered: " + inst.ID)
	}
	if r.admission != nil && !ro.preserve {
		if err := r.admission.Admit(ctx, inst.ServiceName, len(r.byService[inst.ServiceName]), len(r.byService)); err != nil {
			r.mu.Unlock()
			r.lifecycle.Unlock()
			return "", err
		}
	}
	e := &entry{inst: inst}
	r.instances[inst.ID] = e
	svc := r.byService[inst.ServiceName]
	if svc == nil {
		svc = make(map[string]*entry)
		r.byService[inst.ServiceName] = svc
	}
	svc[inst.ID] = e
	count := len(svc)
	monitor := r.monitor
	r.mu.Unlock()

	for _, ep := range inst.Endpoints {
		r.breakers.GetOrCreate(ep.ID)
		if ep.RateLimit != nil {
			r.limiters.GetOrCreate(ep.ID, ep.RateLimit.RequestsPerSecond, ep.RateLimit.Burst)
		} else {
			r.limiters.GetOrCreate(ep.ID, 0, 0)
		}
	}
	if monitor != nil && inst.HealthCheck.Enabled {
		monitor.Watch(inst.clone())
	}
	r.lifecycle.Unlock()

	recordInstances(inst.ServiceName, count)
	registrationsTotal.WithLabelValues(string(ro.origin)).Inc()

	r.logger.Info("instance registered",
		observability.String("id", inst.ID),
		observability.String("service", inst.ServiceName),
		observability.String("version", inst.Version),
		observability.Int("endpoints", len(inst.Endpoints)),
		observability.String("origin", string(ro.origin)),
	)

	r.observers.notify(Event{
		Type:     EventRegistered,
		Instance: inst.clone(),
		Origin:   ro.origin,
		Time:     now,
	})
	return inst.ID, nil
}

// normalize fills derived defaults before validation.
func (r *Registry) normalize(inst *Instance) {
	if inst.Protocol == "" {
		inst.Protocol = ProtocolHTTP
	}

	hc := &inst.HealthCheck
	if !hc.Enabled {
		return
	}
	if hc.Type == "" {
		switch inst.Protocol {
		case ProtocolGRPC:
			hc.Type = CheckGRPC
		case ProtocolTCP:
			hc.Type = CheckTCP
		default:
			hc.Type = CheckHTTP
		}
	}
	if hc.Type == CheckHTTP && hc.Path == "" {
		hc.Path = "/health"
	}
	if hc.Interval <= 0 {
		hc.Interval = r.healthDefaults.Interval
	}
	if hc.Timeout <= 0 {
		hc.Timeout = r.healthDefaults.Timeout
	}
	if hc.HealthyThreshold <= 0 {
		hc.HealthyThreshold = r.healthDefaults.HealthyThreshold
	}
	if hc.UnhealthyThreshold <= 0 {
		hc.UnhealthyThreshold = r.healthDefaults.UnhealthyThreshold
	}
}

// Deregister removes the instance with id. It reports false when id is unknown.
func (r *Registry) Deregister(_ context.Context, id string, opts ...RegisterOption) bool {
	ro := registerOptions{origin: OriginLocal}
	for _, o := range opts {
		o(&ro)
	}
	return r.remove(id, ReasonExplicit, ro.origin)
}

func (r *Registry) remove(id, reason string, origin Origin) bool {
	r.lifecycle.Lock()
	r.mu.Lock()
	e, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		r.lifecycle.Unlock()
		return false
	}
	delete(r.instances, id)
	name := e.inst.ServiceName
	svc := r.byService[name]
	delete(svc, id)
	count := len(svc)
	if count == 0 {
		delete(r.byService, name)
	}
	monitor := r.monitor
	r.mu.Unlock()

	inst := e.snapshot()

	if monitor != nil {
		monitor.Unwatch(id)
	}
	for _, ep := range inst.Endpoints {
		r.breakers.Remove(ep.ID)
		r.limiters.Remove(ep.ID)
	}
	r.lifecycle.Unlock()

	recordInstances(name, count)
	deregistrationsTotal.WithLabelValues(reason).Inc()

	r.logger.Info("instance deregistered",
		observability.String("id", id),
		observability.String("service", name),
		observability.String("reason", reason),
	)

	r.observers.notify(Event{
		Type:     EventDeregistered,
		Instance: inst,
		Reason:   reason,
		Origin:   origin,
		Time:     r.now(),
	})
	return true
}

// Get returns a snapshot of the instance with id.
func (r *Registry) Get(id string) (Instance, bool) {
	r.mu.RLock()
	e, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return Instance{}, false
	}
	return e.snapshot(), true
}

// Discover returns the healthy instances of name that carry every tag.
func (r *Registry) Discover(name string, tags ...string) []Instance {
	return r.discover(name, tags, true)
}

// DiscoverAll returns instances of name in any status that carry every tag.
func (r *Registry) DiscoverAll(name string, tags ...string) []Instance {
	return r.discover(name, tags, false)
}

func (r *Registry) discover(name string, tags []string, healthyOnly bool) []Instance {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byService[name]))
	for _, e := range r.byService[name] {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		inst := e.snapshot()
		if healthyOnly && inst.Status != StatusHealthy {
			continue
		}
		if !inst.HasTags(tags) {
			continue
		}
		out = append(out, inst)
	}

	// Stable order keeps round robin fair across calls.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Services returns the names of every registered service, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byService))
	for name := range r.byService {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// All returns a snapshot of every instance.
func (r *Registry) All() []Instance {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.instances))
	for _, e := range r.instances {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// UpdateStatus sets the status of id and stamps LastSeen. Observers are
// notified only when the status actually changes.
func (r *Registry) UpdateStatus(id string, status Status, opts ...RegisterOption) error {
	if !status.Valid() {
		return util.NewValidationError("invalid status: " + string(status))
	}
	ro := registerOptions{origin: OriginLocal}
	for _, o := range opts {
		o(&ro)
	}
	return r.setStatus(id, status, false, ro.origin)
}

// ReportHealth records a probe outcome. Draining instances keep their status.
func (r *Registry) ReportHealth(id string, healthy bool) error {
	status := StatusUnhealthy
	if healthy {
		status = StatusHealthy
	}
	return r.setStatus(id, status, true, OriginLocal)
}

func (r *Registry) setStatus(id string, status Status, fromProbe bool, origin Origin) error {
	r.mu.RLock()
	e, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return util.NewNotFoundError("instance", id)
	}

	now := r.now()
	e.mu.Lock()
	prev := e.inst.Status
	if fromProbe && prev == StatusDraining {
		e.mu.Unlock()
		return nil
	}
	if !fromProbe || status == StatusHealthy {
		e.inst.LastSeen = now
	}
	e.inst.Status = status
	snapshot := e.inst.clone()
	e.mu.Unlock()

	if prev == status {
		return nil
	}

	statusChangesTotal.WithLabelValues(string(status)).Inc()
	r.logger.Info("instance status changed",
		observability.String("id", id),
		observability.String("service", snapshot.ServiceName),
		observability.String("from", string(prev)),
		observability.String("to", string(status)),
	)

	r.observers.notify(Event{
		Type:           EventHealthChanged,
		Instance:       snapshot,
		PreviousStatus: prev,
		Origin:         origin,
		Time:           now,
	})
	return nil
}

// Heartbeat refreshes LastSeen for id.
func (r *Registry) Heartbeat(id string) error {
	r.mu.RLock()
	e, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return util.NewNotFoundError("instance", id)
	}

	e.mu.Lock()
	e.inst.LastSeen = r.now()
	e.mu.Unlock()
	return nil
}

// Sweep removes every instance not seen since now-staleAfter and returns
// their ids.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) []string {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	r.mu.RLock()
	var stale []string
	for id, e := range r.instances {
		e.mu.RLock()
		if now.Sub(e.inst.LastSeen) > staleAfter {
			stale = append(stale, id)
		}
		e.mu.RUnlock()
	}
	r.mu.RUnlock()

	removed := stale[:0]
	for _, id := range stale {
		if r.remove(id, ReasonStale, OriginLocal) {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.logger.Warn("removed stale instances", observability.Int("count", len(removed)))
	}
	return removed
}

// Subscribe registers o for future events and returns its cancel function.
func (r *Registry) Subscribe(o Observer) func() {
	return r.observers.add(o)
}

// Breaker returns the circuit breaker of an endpoint, or nil.
func (r *Registry) Breaker(endpointID string) *circuitbreaker.CircuitBreaker {
	return r.breakers.Get(endpointID)
}

// Limiter returns the rate limiter of an endpoint, or nil.
func (r *Registry) Limiter(endpointID string) *ratelimit.TokenBucket {
	return r.limiters.Get(endpointID)
}

// Breakers returns the circuit breaker registry.
func (r *Registry) Breakers() *circuitbreaker.Registry {
	return r.breakers
}

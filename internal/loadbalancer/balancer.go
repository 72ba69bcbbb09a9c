// Package loadbalancer picks one instance out of the healthy set of a
// service. A Manager keeps one Balancer per service and follows registry
// events to keep its view of each service current.
package loadbalancer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Strategy names a selection algorithm.
type Strategy string

// Supported strategies.
const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	Random             Strategy = "random"
)

// ErrNoInstance is returned when there is nothing to select from.
var ErrNoInstance = errors.New("no instance available")

// ParseStrategy validates s. An empty string means round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return RoundRobin, nil
	case RoundRobin, LeastConnections, WeightedRoundRobin, Random:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown load balancing strategy %q", s)
}

// Balancer selects among candidate instances of one service.
type Balancer interface {
	Select(candidates []registry.Instance) (registry.Instance, error)
	Acquire(instanceID string)
	Release(instanceID string)
	InFlight(instanceID string) int64
	Strategy() Strategy
}

// New creates a balancer for strategy. Unknown strategies fall back to round robin.
func New(strategy Strategy) Balancer {
	switch strategy {
	case LeastConnections:
		return &leastConnBalancer{}
	case WeightedRoundRobin:
		return &weightedBalancer{}
	case Random:
		return &randomBalancer{}
	default:
		return &roundRobinBalancer{}
	}
}

// SelectEndpoint returns the endpoint of inst that requests are sent to.
func SelectEndpoint(inst registry.Instance) (registry.Endpoint, error) {
	if len(inst.Endpoints) == 0 {
		return registry.Endpoint{}, fmt.Errorf("instance %s: %w", inst.ID, ErrNoInstance)
	}
	return inst.Endpoints[0], nil
}

// Weight is the selection weight of inst, taken from the endpoint that
// SelectEndpoint routes to.
func Weight(inst registry.Instance) int {
	if len(inst.Endpoints) == 0 {
		return 0
	}
	return inst.Endpoints[0].Weight
}

// connTracker counts in-flight requests per instance. Every strategy tracks
// them so that switching strategy or reading InFlight stays meaningful.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]*atomic.Int64
}

func (t *connTracker) counter(id string) *atomic.Int64 {
	t.mu.RLock()
	c, ok := t.conns[id]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[string]*atomic.Int64)
	}
	if c, ok = t.conns[id]; !ok {
		c = &atomic.Int64{}
		t.conns[id] = c
	}
	return c
}

func (t *connTracker) Acquire(id string) {
	t.counter(id).Add(1)
}

func (t *connTracker) Release(id string) {
	c := t.counter(id)
	for {
		cur := c.Load()
		if cur <= 0 {
			return
		}
		if c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (t *connTracker) InFlight(id string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.conns[id]; ok {
		return c.Load()
	}
	return 0
}

// forget drops counters of instances not in keep.
func (t *connTracker) forget(keep map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		if _, ok := keep[id]; !ok && c.Load() == 0 {
			delete(t.conns, id)
		}
	}
}

type roundRobinBalancer struct {
	connTracker
	current atomic.Uint64
}

func (b *roundRobinBalancer) Select(candidates []registry.Instance) (registry.Instance, error) {
	if len(candidates) == 0 {
		return registry.Instance{}, ErrNoInstance
	}
	idx := b.current.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}

func (b *roundRobinBalancer) Strategy() Strategy { return RoundRobin }

type leastConnBalancer struct {
	connTracker
}

func (b *leastConnBalancer) Select(candidates []registry.Instance) (registry.Instance, error) {
	if len(candidates) == 0 {
		return registry.Instance{}, ErrNoInstance
	}

	selected := 0
	minConns := b.InFlight(candidates[0].ID)
	for i := 1; i < len(candidates); i++ {
		if conns := b.InFlight(candidates[i].ID); conns < minConns {
			minConns = conns
			selected = i
		}
	}
	return candidates[selected], nil
}

func (b *leastConnBalancer) Strategy() Strategy { return LeastConnections }

type weightedBalancer struct {
	connTracker
}

func (b *weightedBalancer) Select(candidates []registry.Instance) (registry.Instance, error) {
	total := 0
	for i := range candidates {
		total += Weight(candidates[i])
	}
	if total <= 0 {
		return registry.Instance{}, ErrNoInstance
	}

	r := secureRandomInt(total)
	for i := range candidates {
		r -= Weight(candidates[i])
		if r < 0 {
			return candidates[i], nil
		}
	}
	return registry.Instance{}, ErrNoInstance
}

func (b *weightedBalancer) Strategy() Strategy { return WeightedRoundRobin }

type randomBalancer struct {
	connTracker
}

func (b *randomBalancer) Select(candidates []registry.Instance) (registry.Instance, error) {
	if len(candidates) == 0 {
		return registry.Instance{}, ErrNoInstance
	}
	return candidates[secureRandomInt(len(candidates))], nil
}

func (b *randomBalancer) Strategy() Strategy { return Random }

// secureRandomInt returns a uniformly distributed int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // result < n
}

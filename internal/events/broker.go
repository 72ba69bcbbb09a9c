// Package events fans registry changes out to in-process subscribers and to
// remote listeners over a websocket stream.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// DefaultBufferSize is the per-subscriber buffer.
const DefaultBufferSize = 256

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Registry events published to the broker",
		},
		[]string{"type"},
	)

	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
	)

	subscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Current number of event subscribers",
		},
	)
)

// Filter selects events. Empty fields match everything.
type Filter struct {
	Services []string
	Types    []registry.EventType
}

func (f Filter) match(e registry.Event) bool {
	if len(f.Services) > 0 && !contains(f.Services, e.Instance.ServiceName) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Subscription is one subscriber's view of the broker.
type Subscription struct {
	id      uint64
	ch      chan registry.Event
	filter  Filter
	dropped atomic.Uint64
	broker  *Broker
	once    sync.Once
}

// Events returns the delivery channel. It is closed when the subscription
// or the broker is closed.
func (s *Subscription) Events() <-chan registry.Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s.id)
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Broker delivers registry events to subscribers without ever blocking the
// publisher: a subscriber whose buffer is full misses the event.
type Broker struct {
	bufferSize int
	logger     observability.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		b.bufferSize = n
	}
}

// WithLogger sets the broker logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		bufferSize: DefaultBufferSize,
		logger:     observability.NopLogger(),
		subs:       make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bufferSize <= 0 {
		b.bufferSize = DefaultBufferSize
	}
	return b
}

// Subscribe returns a subscription receiving events that match f. On a
// closed broker the subscription channel is already closed.
func (b *Broker) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		ch:     make(chan registry.Event, b.bufferSize),
		filter: f,
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.shutdown()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	subscribersGauge.Inc()
	return s
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		subscribersGauge.Dec()
	}
	b.mu.Unlock()
	if ok {
		s.shutdown()
	}
}

// OnEvent publishes e. It implements registry.Observer.
func (b *Broker) OnEvent(e registry.Event) {
	publishedTotal.WithLabelValues(string(e.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if s.dropped.Add(1) == 1 {
				b.logger.Warn("event subscriber is not keeping up, dropping events",
					observability.Int64("subscription", int64(s.id)))
			}
			droppedTotal.Inc()
		}
	}
}

// Count returns the number of subscribers.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		subscribersGauge.Dec()
		s.shutdown()
	}
}

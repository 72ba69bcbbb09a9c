package registry

import (
	"sync"
	"time"
)

// EventType identifies a registry change.
type EventType string

// Event types.
const (
	EventRegistered    EventType = "registered"
	EventDeregistered  EventType = "deregistered"
	EventHealthChanged EventType = "health_changed"
)

// Origin tells observers where a change came from, so the catalog mirror
// does not write back what it just read.
type Origin string

// Change origins.
const (
	OriginLocal   Origin = "local"
	OriginCatalog Origin = "catalog"
)

// Deregistration reasons.
const (
	ReasonExplicit = "explicit"
	ReasonStale    = "stale"
)

// Event describes one registry change. Instance is a snapshot taken after
// the change (before removal for deregistrations).
type Event struct {
	Type           EventType `json:"type"`
	Instance       Instance  `json:"instance"`
	PreviousStatus Status    `json:"previousStatus,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Origin         Origin    `json:"origin"`
	Time           time.Time `json:"time"`
}

// Observer receives registry events. OnEvent is called synchronously, in
// subscription order, without registry locks held; implementations must not
// block for long.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

type observerList struct {
	mu        sync.RWMutex
	nextID    int
	observers []observerSlot
}

type observerSlot struct {
	id int
	o  Observer
}

func (l *observerList) add(o Observer) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.observers = append(l.observers, observerSlot{id: id, o: o})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *observerList) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, s := range l.observers {
		if s.id == id {
			l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
			return
		}
	}
}

func (l *observerList) notify(e Event) {
	l.mu.RLock()
	snapshot := make([]Observer, len(l.observers))
	for i, s := range l.observers {
		snapshot[i] = s.o
	}
	l.mu.RUnlock()

	for _, o := range snapshot {
		o.OnEvent(e)
	}
}

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Defaults for Mirror.
const (
	DefaultQueueSize        = 1024
	DefaultOperationTimeout = 5 * time.Second
	DefaultRefreshInterval  = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

const maxResyncBackoff = 30 * time.Second

// Mirror keeps the registry and the catalog store in step.
//
// Instances registered on this process are owned by it: their changes are
// written to the store and expire with the store lease. Instances owned by
// other processes are mirrored from the store into the registry and are
// kept alive for as long as they stay in the store. Changes that came from
// the store are never written back.
type Mirror struct {
	reg     *registry.Registry
	store   Store
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger

	queueSize        int
	opTimeout        time.Duration
	refreshInterval  time.Duration
	failureThreshold uint32
	breakerTimeout   time.Duration

	queue chan registry.Event

	mu       sync.Mutex
	owned    map[string]bool
	mirrored map[string]bool
	dirty    map[string]string

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the mirror logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Mirror) {
		m.logger = logger
	}
}

// WithQueueSize bounds the number of registry changes waiting to be written.
func WithQueueSize(n int) Option {
	return func(m *Mirror) {
		m.queueSize = n
	}
}

// WithOperationTimeout bounds every store call.
func WithOperationTimeout(d time.Duration) Option {
	return func(m *Mirror) {
		m.opTimeout = d
	}
}

// WithRefreshInterval sets how often failed writes are retried and
// mirrored instances are marked as seen.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Mirror) {
		m.refreshInterval = d
	}
}

// WithBreaker sets the consecutive failures that open the store breaker and
// how long it stays open.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(m *Mirror) {
		m.failureThreshold = failures
		m.breakerTimeout = timeout
	}
}

// NewMirror creates a mirror between reg and store under prefix.
func NewMirror(reg *registry.Registry, store Store, prefix string, opts ...Option) *Mirror {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	m := &Mirror{
		reg:              reg,
		store:            store,
		prefix:           prefix,
		logger:           observability.NopLogger(),
		queueSize:        DefaultQueueSize,
		opTimeout:        DefaultOperationTimeout,
		refreshInterval:  DefaultRefreshInterval,
		failureThreshold: DefaultFailureThreshold,
		breakerTimeout:   DefaultBreakerTimeout,
		owned:            make(map[string]bool),
		mirrored:         make(map[string]bool),
		dirty:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queueSize <= 0 {
		m.queueSize = DefaultQueueSize
	}
	m.queue = make(chan registry.Event, m.queueSize)

	threshold := m.failureThreshold
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Timeout:     m.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.Set(float64(to))
			m.logger.Warn("catalog circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	return m
}

// Start loads the catalog into the registry, writes back instances that
// were registered before Start and begins following both sides.
func (m *Mirror) Start(ctx context.Context) error {
	rev, err := m.Sync(ctx)
	if err != nil {
		return err
	}

	m.unsubscribe = m.reg.Subscribe(m)

	m.mu.Lock()
	for _, inst := range m.reg.All() {
		if !m.mirrored[inst.ID] {
			m.owned[inst.ID] = true
			m.dirty[inst.ID] = m.key(inst)
		}
	}
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go m.writeLoop(runCtx)
	go m.watchLoop(runCtx, rev)
	m.flushDirty(runCtx)

	m.logger.Info("catalog mirror started",
		observability.String("prefix", m.prefix),
		observability.Int64("revision", rev),
	)
	return nil
}

// Stop detaches from the registry and waits for the loops to exit.
func (m *Mirror) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("catalog mirror stopped")
}

// Ping checks the store through the breaker.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.call(ctx, "ping", func(ctx context.Context) error {
		return m.store.Ping(ctx)
	})
}

// OnEvent queues local registry changes for the store.
func (m *Mirror) OnEvent(e registry.Event) {
	if e.Origin == registry.OriginCatalog {
		return
	}

	id := e.Instance.ID
	m.mu.Lock()
	switch e.Type {
	case registry.EventRegistered:
		m.owned[id] = true
	case registry.EventHealthChanged:
		if !m.owned[id] {
			m.mu.Unlock()
			return
		}
	case registry.EventDeregistered:
		wasOwned := m.owned[id]
		delete(m.owned, id)
		delete(m.mirrored, id)
		// A stale mirrored copy only means the owner went quiet here.
		if !wasOwned && e.Reason != registry.ReasonExplicit {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	select {
	case m.queue <- e:
	default:
		droppedWritesTotal.Inc()
		m.markDirty(id, m.key(e.Instance))
		m.logger.Warn("catalog write queue full, change deferred",
			observability.String("id", id),
			observability.String("event", string(e.Type)),
		)
	}
}

// Sync reconciles the registry with the full catalog listing and returns
// the listing revision.
func (m *Mirror) Sync(ctx context.Context) (int64, error) {
	var (
		kvs []KeyValue
		rev int64
	)
	err := m.call(ctx, "list", func(ctx context.Context) error {
		var err error
		kvs, rev, err = m.store.List(ctx, m.prefix)
		return err
	})
	if err != nil {
		return 0, err
	}

	present := make(map[string]bool, len(kvs))
	for _, kv := range kvs {
		inst, ok := m.decode(kv)
		if !ok {
			continue
		}
		present[inst.ID] = true
		m.applyPut(ctx, inst)
	}

	m.mu.Lock()
	var gone []string
	for id := range m.mirrored {
		if !present[id] {
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()
	for _, id := range gone {
		m.applyDelete(ctx, id)
	}

	m.logger.Debug("catalog synced",
		observability.Int("entries", len(kvs)),
		observability.Int("removed", len(gone)),
	)
	return rev, nil
}

func (m *Mirror) writeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			m.write(ctx, e)
		}
	}
}

func (m *Mirror) write(ctx context.Context, e registry.Event) {
	key := m.key(e.Instance)
	var err error
	if e.Type == registry.EventDeregistered {
		err = m.call(ctx, "delete", func(ctx context.Context) error {
			return m.store.Delete(ctx, key)
		})
	} else {
		err = m.put(ctx, e.Instance)
	}
	if err != nil {
		m.markDirty(e.Instance.ID, key)
		m.logger.Warn("catalog write failed, will retry",
			observability.String("id", e.Instance.ID),
			observability.String("event", string(e.Type)),
			observability.Error(err),
		)
	}
}

func (m *Mirror) put(ctx context.Context, inst registry.Instance) error {
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := m.key(inst)
	return m.call(ctx, "put", func(ctx context.Context) error {
		return m.store.Put(ctx, key, raw)
	})
}

func (m *Mirror) watchLoop(ctx context.Context, rev int64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	backoff := time.Second

	for {
		changes := m.store.Watch(ctx, m.prefix, rev)
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refresh(ctx)
			case c, ok := <-changes:
				switch {
				case !ok:
					broken = true
				case c.Err != nil:
					m.logger.Warn("catalog watch broken, resyncing", observability.Error(c.Err))
					broken = true
				default:
					m.apply(ctx, c)
				}
			}
		}

		for {
			if ctx.Err() != nil {
				return
			}
			newRev, err := m.Sync(ctx)
			if err == nil {
				rev = newRev
				backoff = time.Second
				break
			}
			m.logger.Warn("catalog resync failed",
				observability.Duration("retry_in", backoff),
				observability.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxResyncBackoff)
		}
	}
}

func (m *Mirror) apply(ctx context.Context, c Change) {
	switch c.Type {
	case ChangePut:
		inst, ok := m.decode(KeyValue{Key: c.Key, Value: c.Value})
		if ok {
			m.applyPut(ctx, inst)
		}
	case ChangeDelete:
		id := path.Base(c.Key)
		m.mu.Lock()
		owned := m.owned[id]
		m.mu.Unlock()
		if owned {
			// Our entry vanished while the instance is still registered,
			// usually because the lease expired. Write it again.
			m.markDirty(id, c.Key)
			return
		}
		m.applyDelete(ctx, id)
	}
}

func (m *Mirror) applyPut(ctx context.Context, inst registry.Instance) {
	m.mu.Lock()
	owned := m.owned[inst.ID]
	m.mu.Unlock()
	if owned {
		return
	}

	if local, exists := m.reg.Get(inst.ID); exists {
		if local.Status != inst.Status && inst.Status.Valid() {
			if err := m.reg.UpdateStatus(inst.ID, inst.Status, registry.FromCatalog()); err != nil {
				m.logger.Debug("failed to apply catalog status", observability.Error(err))
			}
		}
		_ = m.reg.Heartbeat(inst.ID)
		m.mu.Lock()
		m.mirrored[inst.ID] = true
		m.mu.Unlock()
		appliedChangesTotal.WithLabelValues("update").Inc()
		return
	}

	if _, err := m.reg.Register(ctx, inst, registry.FromCatalog()); err != nil {
		m.logger.Warn("failed to mirror catalog instance",
			observability.String("id", inst.ID),
			observability.String("service", inst.ServiceName),
			observability.Error(err),
		)
		return
	}
	m.mu.Lock()
	m.mirrored[inst.ID] = true
	m.mu.Unlock()
	appliedChangesTotal.WithLabelValues("register").Inc()
}

func (m *Mirror) applyDelete(ctx context.Context, id string) {
	m.mu.Lock()
	mirrored := m.mirrored[id]
	delete(m.mirrored, id)
	m.mu.Unlock()
	if !mirrored {
		return
	}
	if m.reg.Deregister(ctx, id, registry.FromCatalog()) {
		appliedChangesTotal.WithLabelValues("deregister").Inc()
	}
}

// refresh retries failed writes and marks mirrored instances as seen so
// the stale sweep leaves them to the catalog lease.
func (m *Mirror) refresh(ctx context.Context) {
	m.flushDirty(ctx)

	m.mu.Lock()
	ids := make([]string, 0, len(m.mirrored))
	for id := range m.mirrored {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.reg.Heartbeat(id)
	}
}

func (m *Mirror) flushDirty(ctx context.Context) {
	m.mu.Lock()
	pending := m.dirty
	m.dirty = make(map[string]string)
	m.mu.Unlock()

	for id, key := range pending {
		m.mu.Lock()
		owned := m.owned[id]
		m.mu.Unlock()

		var err error
		inst, exists := m.reg.Get(id)
		switch {
		case exists && owned:
			err = m.put(ctx, inst)
		case !exists:
			err = m.call(ctx, "delete", func(ctx context.Context) error {
				return m.store.Delete(ctx, key)
			})
		}
		if err != nil {
			m.markDirty(id, key)
		}
	}
}

func (m *Mirror) markDirty(id, key string) {
	m.mu.Lock()
	m.dirty[id] = key
	m.mu.Unlock()
}

func (m *Mirror) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	recordOperation(op, err)
	return err
}

func (m *Mirror) key(inst registry.Instance) string {
	return m.prefix + inst.ServiceName + "/" + inst.ID
}

func (m *Mirror) decode(kv KeyValue) (registry.Instance, bool) {
	var inst registry.Instance
	if err := json.Unmarshal(kv.Value, &inst); err != nil {
		m.logger.Warn("skipping undecodable catalog entry",
			observability.String("key", kv.Key),
			observability.Error(err),
		)
		return inst, false
	}
	if inst.ID == "" || inst.ID != path.Base(kv.Key) {
		m.logger.Warn("skipping catalog entry with mismatched id", observability.String("key", kv.Key))
		return inst, false
	}
	return inst, true
}

// IsUnavailable reports whether err means the store breaker rejected the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// EtcdStore is a Store backed by etcd. All keys written by one store share
// a single lease that is kept alive for the life of the store.
type EtcdStore struct {
	client   *clientv3.Client
	leaseTTL time.Duration
	logger   observability.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEtcdStore dials the etcd cluster named in cfg.
func NewEtcdStore(cfg config.CatalogConfig, logger observability.Logger) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("catalog: no etcd endpoints configured")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout.OrDefault(config.DefaultDialTimeout),
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      observability.Zap(logger).Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: connect to etcd: %w", err)
	}
	return newEtcdStore(client, cfg.LeaseTTL.OrDefault(config.DefaultLeaseTTL), logger), nil
}

func newEtcdStore(client *clientv3.Client, leaseTTL time.Duration, logger observability.Logger) *EtcdStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdStore{
		client:   client,
		leaseTTL: leaseTTL,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// lease returns the store lease, granting and keeping one alive on first
// use or after the previous one expired.
func (s *EtcdStore) lease(ctx context.Context) (clientv3.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseID != clientv3.NoLease {
		return s.leaseID, nil
	}

	ttl := int64(s.leaseTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	grant, err := s.client.Grant(ctx, ttl)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("grant lease: %w", err)
	}
	ch, err := s.client.KeepAlive(s.ctx, grant.ID)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("keep lease alive: %w", err)
	}
	s.leaseID = grant.ID
	go s.drainKeepAlive(grant.ID, ch)

	s.logger.Debug("catalog lease granted",
		observability.Int64("lease_id", int64(grant.ID)),
		observability.Int64("ttl_seconds", ttl),
	)
	return grant.ID, nil
}

func (s *EtcdStore) drainKeepAlive(id clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	s.mu.Lock()
	if s.leaseID == id {
		s.leaseID = clientv3.NoLease
	}
	s.mu.Unlock()
	if s.ctx.Err() == nil {
		s.logger.Warn("catalog lease lost, a new one is granted on the next write",
			observability.Int64("lease_id", int64(id)))
	}
}

func (s *EtcdStore) resetLease(id clientv3.LeaseID) {
	s.mu.Lock()
	if s.leaseID == id {
		s.leaseID = clientv3.NoLease
	}
	s.mu.Unlock()
}

// Put writes value under key with the store lease.
func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	id, err := s.lease(ctx)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, key, string(value), clientv3.WithLease(id)); err != nil {
		s.resetLease(id)
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns every entry under prefix.
func (s *EtcdStore) List(ctx context.Context, prefix string) ([]KeyValue, int64, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	out := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KeyValue{Key: string(kv.Key), Value: kv.Value})
	}
	return out, resp.Header.Revision, nil
}

// Watch streams changes under prefix after rev.
func (s *EtcdStore) Watch(ctx context.Context, prefix string, rev int64) <-chan Change {
	out := make(chan Change)
	wch := s.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))

	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				select {
				case out <- Change{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			for _, ev := range resp.Events {
				c := Change{Type: ChangePut, Key: string(ev.Kv.Key), Value: ev.Kv.Value}
				if ev.Type == clientv3.EventTypeDelete {
					c.Type = ChangeDelete
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Ping checks that the cluster answers.
func (s *EtcdStore) Ping(ctx context.Context) error {
	endpoints := s.client.Endpoints()
	if len(endpoints) == 0 {
		return errors.New("no etcd endpoints")
	}
	var lastErr error
	for _, ep := range endpoints {
		_, err := s.client.Status(ctx, ep)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("etcd unreachable: %w", lastErr)
}

// Close revokes the lease and closes the client.
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	id := s.leaseID
	s.leaseID = clientv3.NoLease
	s.mu.Unlock()

	if id != clientv3.NoLease {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := s.client.Revoke(ctx, id); err != nil {
			s.logger.Warn("failed to revoke catalog lease", observability.Error(err))
		}
		cancel()
	}
	s.cancel()
	return s.client.Close()
}

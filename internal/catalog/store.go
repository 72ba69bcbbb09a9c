// Package catalog mirrors the in-memory registry into a durable key-value
// catalog (etcd) so that instances survive control-plane restarts and are
// shared between control-plane replicas.
package catalog

import (
	"context"
)

// KeyValue is one stored catalog entry.
type KeyValue struct {
	Key   string
	Value []byte
}

// ChangeType identifies a catalog change.
type ChangeType int

// Change types.
const (
	ChangePut ChangeType = iota
	ChangeDelete
)

// Change is one change observed by Watch. A change with a non-nil Err
// means the watch broke and the caller must resynchronize.
type Change struct {
	Type  ChangeType
	Key   string
	Value []byte
	Err   error
}

// Store is the key-value backend the mirror writes to.
type Store interface {
	// Put stores value under key. Entries written by one process expire
	// together when that process stops renewing them.
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every entry under prefix and the revision the listing
	// was taken at.
	List(ctx context.Context, prefix string) ([]KeyValue, int64, error)
	// Watch streams changes under prefix newer than rev. The channel is
	// closed when ctx is done.
	Watch(ctx context.Context, prefix string, rev int64) <-chan Change
	Ping(ctx context.Context) error
	Close() error
}

// Package storage defines the durable store contract shared by every
// component. All pipeline state lives in a single transactional keyspace,
// namespaced by component prefix, instead of per-component database files.
package storage

import "context"

// Keyspace prefixes, one per component.
const (
	PrefixIngestGroup = "ingest/group/"
	PrefixCalSet      = "calreg/set/"
	PrefixTask        = "tasks/task/"
)

// KV is a single versioned record.
type KV struct {
	Key     string
	Version int64
	Record  []byte
}

// Reader is the read side of the store.
type Reader interface {
	// Get returns the record and its current version, or model.ErrNotFound.
	Get(ctx context.Context, key string) (record []byte, version int64, err error)

	// Scan returns all records under prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]KV, error)
}

// Writer is the write side of the store.
type Writer interface {
	// Put writes a record using optimistic concurrency. expectedVersion 0
	// creates the key and fails with model.ErrVersionConflict if it already
	// exists; a non-zero expectedVersion must match the stored version or
	// model.ErrVersionConflict is returned. Returns the new version. Writes
	// are durably persisted before Put returns.
	Put(ctx context.Context, key string, record []byte, expectedVersion int64) (int64, error)

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Tx is the view handed to an Update closure. It has exclusive write access
// for the duration of the closure; either every write commits or none does.
type Tx interface {
	Get(key string) (record []byte, version int64, err error)
	Scan(prefix string) ([]KV, error)
	Put(key string, record []byte, expectedVersion int64) (int64, error)
	Delete(key string) error
}

// Store is the durable, crash-safe key/record store.
type Store interface {
	Reader
	Writer

	// Update runs fn with exclusive write access, committing atomically when
	// fn returns nil and rolling back entirely otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

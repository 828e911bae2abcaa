package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage"
)

// StoreConfig is the configuration for the memory store.
type StoreConfig struct {
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

type entry struct {
	version int64
	record  []byte
}

// Store is an in-memory implementation of storage.Store, used by tests and
// ephemeral runs. It mirrors the SQLite store's semantics, including
// optimistic versioning and all-or-nothing Update closures.
type Store struct {
	records map[string]entry
	mu      sync.Mutex
	logger  log.Logger
}

// NewStore creates a new memory store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Store{
		records: make(map[string]entry),
		logger:  cfg.Logger,
	}, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// Get returns a copy of the record stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getLocked(s.records, key)
}

// Scan returns all records under prefix, ordered by key.
func (s *Store) Scan(ctx context.Context, prefix string) ([]storage.KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scanLocked(s.records, prefix), nil
}

// Put writes a record with optimistic concurrency.
func (s *Store) Put(ctx context.Context, key string, record []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putLocked(s.records, key, record, expectedVersion)
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Update runs fn with exclusive access, staging writes and applying them
// only when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{base: s.records, staged: make(map[string]*entry)}
	if err := fn(t); err != nil {
		return err
	}

	for key, e := range t.staged {
		if e == nil {
			delete(s.records, key)
			continue
		}
		s.records[key] = *e
	}
	return nil
}

// tx stages writes on top of the base map. A nil staged entry marks a
// deletion.
type tx struct {
	base   map[string]entry
	staged map[string]*entry
}

func (t *tx) Get(key string) ([]byte, int64, error) {
	if e, ok := t.staged[key]; ok {
		if e == nil {
			return nil, 0, fmt.Errorf("record %s: %w", key, model.ErrNotFound)
		}
		return append([]byte(nil), e.record...), e.version, nil
	}
	return getLocked(t.base, key)
}

func (t *tx) Scan(prefix string) ([]storage.KV, error) {
	merged := make(map[string]entry, len(t.base))
	for k, e := range t.base {
		merged[k] = e
	}
	for k, e := range t.staged {
		if e == nil {
			delete(merged, k)
			continue
		}
		merged[k] = *e
	}
	return scanLocked(merged, prefix), nil
}

func (t *tx) Put(key string, record []byte, expectedVersion int64) (int64, error) {
	current, ok := t.current(key)

	if expectedVersion == 0 {
		if ok {
			return 0, fmt.Errorf("record %s already exists: %w", key, model.ErrVersionConflict)
		}
		t.staged[key] = &entry{version: 1, record: append([]byte(nil), record...)}
		return 1, nil
	}

	if !ok {
		return 0, fmt.Errorf("record %s: %w", key, model.ErrNotFound)
	}
	if current.version != expectedVersion {
		return 0, fmt.Errorf("record %s version %d is stale: %w", key, expectedVersion, model.ErrVersionConflict)
	}
	t.staged[key] = &entry{version: expectedVersion + 1, record: append([]byte(nil), record...)}
	return expectedVersion + 1, nil
}

func (t *tx) Delete(key string) error {
	t.staged[key] = nil
	return nil
}

func (t *tx) current(key string) (entry, bool) {
	if e, ok := t.staged[key]; ok {
		if e == nil {
			return entry{}, false
		}
		return *e, true
	}
	e, ok := t.base[key]
	return e, ok
}

func getLocked(records map[string]entry, key string) ([]byte, int64, error) {
	e, ok := records[key]
	if !ok {
		return nil, 0, fmt.Errorf("record %s: %w", key, model.ErrNotFound)
	}
	// Return a copy.
	return append([]byte(nil), e.record...), e.version, nil
}

func putLocked(records map[string]entry, key string, record []byte, expectedVersion int64) (int64, error) {
	e, ok := records[key]

	if expectedVersion == 0 {
		if ok {
			return 0, fmt.Errorf("record %s already exists: %w", key, model.ErrVersionConflict)
		}
		records[key] = entry{version: 1, record: append([]byte(nil), record...)}
		return 1, nil
	}

	if !ok {
		return 0, fmt.Errorf("record %s: %w", key, model.ErrNotFound)
	}
	if e.version != expectedVersion {
		return 0, fmt.Errorf("record %s version %d is stale: %w", key, expectedVersion, model.ErrVersionConflict)
	}
	records[key] = entry{version: expectedVersion + 1, record: append([]byte(nil), record...)}
	return expectedVersion + 1, nil
}

func scanLocked(records map[string]entry, prefix string) []storage.KV {
	var kvs []storage.KV
	for k, e := range records {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		kvs = append(kvs, storage.KV{Key: k, Version: e.version, Record: append([]byte(nil), e.record...)})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs
}

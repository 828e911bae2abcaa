package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage"
	"github.com/dsa110/contimg/internal/storage/sqlite/migrations"
)

// StoreConfig is the configuration for the SQLite store.
type StoreConfig struct {
	DBPath string
	// BusyTimeout bounds how long a writer waits for the database lock
	// before the call fails with model.ErrStoreUnavailable.
	BusyTimeout time.Duration
	Logger      log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Store is a SQLite implementation of storage.Store. Durability comes from
// the WAL journal: every committed write is flushed before the call returns.
type Store struct {
	db     *sql.DB
	logger log.Logger
}

// NewStore creates a new SQLite store and runs schema migrations.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := migrations.Up(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite store initialized at %s", cfg.DBPath)

	return &Store{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the record and version stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, int64, error) {
	return get(ctx, s.db, key)
}

// Scan returns all records under prefix, ordered by key.
func (s *Store) Scan(ctx context.Context, prefix string) ([]storage.KV, error) {
	return scan(ctx, s.db, prefix)
}

// Put writes a record with optimistic concurrency.
func (s *Store) Put(ctx context.Context, key string, record []byte, expectedVersion int64) (int64, error) {
	return put(ctx, s.db, key, record, expectedVersion)
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return mapSQLiteErr("could not delete record", err)
	}
	return nil
}

// Update runs fn inside a single immediate transaction.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr("could not begin transaction", err)
	}
	defer func() { _ = sqlTx.Rollback() }() // Rollback is safe to call after Commit.

	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapSQLiteErr("could not commit transaction", err)
	}
	return nil
}

// tx adapts a *sql.Tx to storage.Tx.
type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) Get(key string) ([]byte, int64, error) { return get(t.ctx, t.tx, key) }

func (t *tx) Scan(prefix string) ([]storage.KV, error) { return scan(t.ctx, t.tx, prefix) }

func (t *tx) Put(key string, record []byte, expectedVersion int64) (int64, error) {
	return put(t.ctx, t.tx, key, record, expectedVersion)
}

func (t *tx) Delete(key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return mapSQLiteErr("could not delete record", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, key string) ([]byte, int64, error) {
	var record []byte
	var version int64
	err := q.QueryRowContext(ctx, `SELECT record, version FROM records WHERE key = ?`, key).
		Scan(&record, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("record %s: %w", key, model.ErrNotFound)
		}
		return nil, 0, mapSQLiteErr("could not query record", err)
	}
	return record, version, nil
}

func scan(ctx context.Context, q querier, prefix string) ([]storage.KV, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT key, version, record FROM records WHERE key >= ? AND key < ? ORDER BY key ASC`,
		prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, mapSQLiteErr("could not scan records", err)
	}
	defer rows.Close()

	var kvs []storage.KV
	for rows.Next() {
		var kv storage.KV
		if err := rows.Scan(&kv.Key, &kv.Version, &kv.Record); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		kvs = append(kvs, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return kvs, nil
}

func put(ctx context.Context, q querier, key string, record []byte, expectedVersion int64) (int64, error) {
	now := time.Now().UTC().Unix()

	if expectedVersion == 0 {
		_, err := q.ExecContext(ctx,
			`INSERT INTO records (key, version, record, updated_at) VALUES (?, 1, ?, ?)`,
			key, record, now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return 0, fmt.Errorf("record %s already exists: %w", key, model.ErrVersionConflict)
			}
			return 0, mapSQLiteErr("could not insert record", err)
		}
		return 1, nil
	}

	result, err := q.ExecContext(ctx,
		`UPDATE records SET version = version + 1, record = ?, updated_at = ? WHERE key = ? AND version = ?`,
		record, now, key, expectedVersion)
	if err != nil {
		return 0, mapSQLiteErr("could not update record", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing key from a stale version.
		var exists int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM records WHERE key = ?`, key).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("record %s: %w", key, model.ErrNotFound)
		}
		return 0, fmt.Errorf("record %s version %d is stale: %w", key, expectedVersion, model.ErrVersionConflict)
	}

	return expectedVersion + 1, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "\xff"
}

func mapSQLiteErr(msg string, err error) error {
	s := err.Error()
	if strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked") {
		return fmt.Errorf("%s: %w", msg, model.ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

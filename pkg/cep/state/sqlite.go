package state

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS state (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (bucket, key)
	)
`

// SQLiteStore persists state to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	retry  retryConfig
	closed bool
}

// NewSQLiteStore creates a new SQLite state store.
// The path should be a file path (e.g., "./cep.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an already opened database.
// The schema is created if missing; pragmas are left to the caller.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteStore{db: db, retry: defaultRetryConfig}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var value []byte
	err := s.db.QueryRow(`
		SELECT value FROM state
		WHERE bucket = ? AND key = ?
	`, bucket, key).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Bucket: bucket, Err: err}
	}
	return value, nil
}

// Scan implements Store.
func (s *SQLiteStore) Scan(bucket string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}

	type record struct {
		key   string
		value []byte
	}

	rows, err := s.db.Query(`
		SELECT key, value FROM state
		WHERE bucket = ?
		ORDER BY key
	`, bucket)
	if err != nil {
		s.mu.RUnlock()
		return &StoreError{Op: "scan", Bucket: bucket, Err: err}
	}

	// Rows are drained before invoking fn so callbacks may use the store.
	var records []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return &StoreError{Op: "scan", Bucket: bucket, Err: err}
		}
		records = append(records, r)
	}
	err = rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return &StoreError{Op: "scan", Bucket: bucket, Err: err}
	}

	for _, r := range records {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Write implements Store. The batch is applied in a single transaction and
// retried on transient SQLite errors.
func (s *SQLiteStore) Write(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	err := retryOp(s.retry, func() error {
		return s.writeTx(b)
	})
	if err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	return nil
}

func (s *SQLiteStore) writeTx(b *Batch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	for _, op := range b.ops {
		if op.Delete {
			_, err = tx.Exec(`DELETE FROM state WHERE bucket = ? AND key = ?`, op.Bucket, op.Key)
		} else {
			_, err = tx.Exec(`
				INSERT INTO state (bucket, key, value) VALUES (?, ?, ?)
				ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value
			`, op.Bucket, op.Key, op.Value)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s/%s: %w", op.Bucket, op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when the key is absent or expired
var ErrNotFound = errors.New("snapshot key not found")

// Store is the key/value backend snapshots are persisted to
type Store interface {
	// Get returns the blob under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the blob under key. A non-zero ttl makes the entry
	// expire; zero means it is kept until overwritten.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SQLiteStore is a Store backed by an embedded sqlite database
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the snapshot store at path
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the necessary tables
func (s *SQLiteStore) migrate() error {
	query := `CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_unix_millis INTEGER NOT NULL,
		expires_unix_millis INTEGER NULL
	)`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

// Get returns the blob under key, honoring expiry
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_unix_millis FROM snapshots WHERE key = ?",
		key,
	).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		return nil, ErrNotFound
	}

	return value, nil
}

// Set writes the blob under key, replacing any previous value
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (key, value, updated_unix_millis, expires_unix_millis)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_unix_millis = excluded.updated_unix_millis,
			expires_unix_millis = excluded.expires_unix_millis`,
		key, value, time.Now().UnixMilli(), expires,
	)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

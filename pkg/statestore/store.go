// Package statestore persists small JSON blobs (the task snapshot, the
// saved form defaults) in a local SQLite database under the data
// directory.
//
// Corrupt or missing entries degrade to defaults. The store never
// fails startup over bad state.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/sorabatch/sorabatch/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

// Store is a durable key-to-JSON-blob store. Safe for concurrent use;
// the single shared connection serializes writers.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its parent directory) if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// modernc.org/sqlite serializes access; a single connection avoids
	// SQLITE_BUSY churn under concurrent task patches.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckHealth probes the database connection.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put marshals v and upserts it under key.
func (s *Store) Put(key string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, blob, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Get unmarshals the blob under key into out. It reports false when the
// key is absent or its blob no longer parses; a corrupt entry is
// logged and treated as missing.
func (s *Store) Get(key string, out any) (bool, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(blob, out); err != nil {
		observability.CLILogger.Debug("Discarding corrupt state entry",
			zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

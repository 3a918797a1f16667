// Package sqlite provides a persistent TreeStore backed by an embedded SQLite
// database. Objects are stored in their canonical JSON encoding under their
// hash key, so a store round trip yields an identical hash.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentforum/core"
)

// Compile time check to ensure TreeStore satisfies the core.TreeStore interface.
var _ core.TreeStore = (*TreeStore)(nil)

// TreeStore implements core.TreeStore using SQLite.
type TreeStore struct {
	db *sql.DB
}

// NewTreeStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration. Use ":memory:" for an ephemeral database.
func NewTreeStore(dbPath string) (*TreeStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tree db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tree db: %w", err)
	}
	return &TreeStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS immutables (
			hash_key TEXT PRIMARY KEY,
			kind     TEXT NOT NULL,
			payload  TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *TreeStore) Close() error {
	return s.db.Close()
}

// Store records an immutable object under its hash key. Re-storing an existing
// hash is a no-op: equal hash means equal content.
func (s *TreeStore) Store(ctx context.Context, obj core.Immutable) error {
	kind, payload, err := core.EncodeImmutable(obj)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO immutables (hash_key, kind, payload) VALUES (?, ?, ?)",
		obj.HashKey(), kind, string(payload),
	)
	return err
}

// Retrieve rebuilds the object stored under the given hash key, or returns
// ErrNotFound. Transient state (attached originals, error conditions) does not
// survive persistence.
func (s *TreeStore) Retrieve(ctx context.Context, hashKey string) (core.Immutable, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT kind, payload FROM immutables WHERE hash_key = ?", hashKey,
	)
	var kind, payload string
	if err := row.Scan(&kind, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, hashKey)
		}
		return nil, err
	}
	obj, err := core.DecodeImmutable(s, kind, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", hashKey, err)
	}
	return obj, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/volkeeper/dbopen"
	"github.com/hazyhaar/volkeeper/level"
)

// Schema is the key-value table the SQLite persister writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	revision   INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);`

// SQLitePersister stores each policy record as one JSON row.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister wraps db, creating the kv table if needed.
func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// OpenSQLite opens (or creates) the database at path and returns a persister
// over it, along with the database so the caller can close it.
func OpenSQLite(path string, opts ...dbopen.Option) (*SQLitePersister, *sql.DB, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return &SQLitePersister{db: db}, db, nil
}

// Load implements Persister. A missing row is an empty policy. A busy
// database is retried under dbopen.DefaultRetry.
func (p *SQLitePersister) Load(ctx context.Context, key string) (level.Policy, error) {
	var value string
	err := dbopen.DefaultRetry.Do(ctx, func() error {
		return p.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return level.Policy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", key, err)
	}
	return level.UnmarshalPolicy([]byte(value))
}

// Save implements Persister.
func (p *SQLitePersister) Save(ctx context.Context, key string, pol level.Policy) error {
	data, err := level.MarshalPolicy(pol)
	if err != nil {
		return err
	}
	_, err = dbopen.Exec(ctx, p.db, `
		INSERT INTO kv (key, value, revision, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = kv.revision + 1,
			updated_at = excluded.updated_at`,
		key, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save %s: %w", key, err)
	}
	return nil
}

// Revision returns how many times key has been saved. Zero when absent.
func (p *SQLitePersister) Revision(ctx context.Context, key string) (int64, error) {
	var rev int64
	err := p.db.QueryRowContext(ctx, `SELECT revision FROM kv WHERE key = ?`, key).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return rev, err
}

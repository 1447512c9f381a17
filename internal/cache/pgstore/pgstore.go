// Package pgstore is a durable cache tier in PostgreSQL.
//
// Every entry is one row keyed by fingerprint. Rows are inserted with
// ON CONFLICT DO NOTHING and never updated, which keeps the table
// append-only and makes concurrent writers of the same fingerprint safe.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the audio_cache table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS audio_cache (
    fingerprint TEXT PRIMARY KEY,
    payload     BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements cache.Store on PostgreSQL.
type Store struct {
	db DB
}

// New creates a Store. The caller is responsible for calling [Store.Migrate]
// before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	const query = `SELECT payload FROM audio_cache WHERE fingerprint = $1`

	var payload []byte
	err := s.db.QueryRow(ctx, query, fingerprint).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pgstore: get %q: %w", fingerprint, err)
	}
	return payload, true, nil
}

// Put implements cache.Store. An existing row is left untouched.
func (s *Store) Put(ctx context.Context, fingerprint string, data []byte) error {
	const query = `
		INSERT INTO audio_cache (fingerprint, payload)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO NOTHING`

	if _, err := s.db.Exec(ctx, query, fingerprint, data); err != nil {
		return fmt.Errorf("pgstore: put %q: %w", fingerprint, err)
	}
	return nil
}

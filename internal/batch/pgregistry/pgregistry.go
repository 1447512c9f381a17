// Package pgregistry stores batch units in PostgreSQL, one JSONB row per
// (collection, unit).
package pgregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/narrator/internal/batch"
)

// Schema is the SQL DDL for the batch_units table. Execute it via
// [Registry.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS batch_units (
    collection_id TEXT NOT NULL,
    unit_id       TEXT NOT NULL,
    data          JSONB NOT NULL,
    text_status   TEXT NOT NULL DEFAULT '',
    audio_status  TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collection_id, unit_id)
);
CREATE INDEX IF NOT EXISTS idx_batch_units_status ON batch_units(collection_id, audio_status);
`

// DB is the database interface used by [Registry]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Registry is a [batch.Registry] backed by PostgreSQL.
type Registry struct {
	db DB
}

var (
	_ batch.Registry = (*Registry)(nil)
	_ batch.Lister   = (*Registry)(nil)
)

// New creates a Registry. The caller is responsible for calling
// [Registry.Migrate] before issuing queries.
func New(db DB) *Registry {
	return &Registry{db: db}
}

// Migrate executes [Schema].
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgregistry: migrate: %w", err)
	}
	return nil
}

// Get implements [batch.Registry]. It returns (nil, nil) when the unit is not
// stored.
func (r *Registry) Get(ctx context.Context, collectionID, unitID string) (*batch.Unit, error) {
	const query = `SELECT data FROM batch_units WHERE collection_id = $1 AND unit_id = $2`

	var data []byte
	err := r.db.QueryRow(ctx, query, collectionID, unitID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgregistry: get %s/%s: %w", collectionID, unitID, err)
	}
	var u batch.Unit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("pgregistry: decode %s/%s: %w", collectionID, unitID, err)
	}
	return &u, nil
}

// Upsert implements [batch.Registry].
func (r *Registry) Upsert(ctx context.Context, collectionID string, u *batch.Unit) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("pgregistry: marshal %s/%s: %w", collectionID, u.ID, err)
	}

	const query = `
		INSERT INTO batch_units (collection_id, unit_id, data, text_status, audio_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (collection_id, unit_id) DO UPDATE SET
			data         = EXCLUDED.data,
			text_status  = EXCLUDED.text_status,
			audio_status = EXCLUDED.audio_status,
			updated_at   = now()`

	if _, err := r.db.Exec(ctx, query, collectionID, u.ID, data, string(u.TextStatus), string(u.AudioStatus)); err != nil {
		return fmt.Errorf("pgregistry: upsert %s/%s: %w", collectionID, u.ID, err)
	}
	return nil
}

// List implements [batch.Lister]. Units are ordered by ID.
func (r *Registry) List(ctx context.Context, collectionID string) ([]*batch.Unit, error) {
	const query = `SELECT data FROM batch_units WHERE collection_id = $1 ORDER BY unit_id`

	rows, err := r.db.Query(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("pgregistry: list %s: %w", collectionID, err)
	}
	defer rows.Close()

	var out []*batch.Unit
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("pgregistry: list scan: %w", err)
		}
		var u batch.Unit
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("pgregistry: list decode: %w", err)
		}
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgregistry: list rows: %w", err)
	}
	return out, nil
}

// Package fileregistry persists batch units as append-only JSON lines in a
// local file, suitable for single-host runs and the CLI.
//
// Every Upsert appends one record; on open the file is replayed and the last
// record for each (collection, unit) wins.
package fileregistry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/narrator/internal/batch"
)

// maxLine bounds a single record; units with many sub-units can be large.
const maxLine = 16 << 20

// Compile-time interface checks.
var (
	_ batch.Registry = (*Registry)(nil)
	_ batch.Lister   = (*Registry)(nil)
)

// record is a single line of the file.
type record struct {
	Timestamp  time.Time   `json:"timestamp"`
	Collection string      `json:"collection"`
	Unit       *batch.Unit `json:"unit"`
}

type key struct{ collection, unit string }

// Registry is a [batch.Registry] over a JSON lines file. Safe for concurrent
// use within one process.
type Registry struct {
	mu    sync.Mutex
	path  string
	units map[key]*batch.Unit
}

// Open loads the registry at path. A missing file is an empty registry; it
// is created on the first Upsert.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, units: make(map[key]*batch.Unit)}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fileregistry: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	line := 0
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Unit == nil {
			// A torn final write must not make the whole file unusable.
			slog.Warn("fileregistry: skipping unreadable record", "path", path, "line", line, "err", err)
			continue
		}
		r.units[key{rec.Collection, rec.Unit.ID}] = rec.Unit
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("fileregistry: read: %w", err)
	}
	return r, nil
}

// Get implements [batch.Registry].
func (r *Registry) Get(_ context.Context, collectionID, unitID string) (*batch.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.units[key{collectionID, unitID}].Clone(), nil
}

// Upsert implements [batch.Registry]. The record is appended to the file
// before the in-memory view is updated.
func (r *Registry) Upsert(_ context.Context, collectionID string, u *batch.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(record{Timestamp: time.Now().UTC(), Collection: collectionID, Unit: u})
	if err != nil {
		return fmt.Errorf("fileregistry: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fileregistry: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("fileregistry: write: %w", err)
	}
	r.units[key{collectionID, u.ID}] = u.Clone()
	return nil
}

// List implements [batch.Lister]. Units are ordered by ID.
func (r *Registry) List(_ context.Context, collectionID string) ([]*batch.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*batch.Unit
	for k, u := range r.units {
		if k.collection == collectionID {
			out = append(out, u.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *batch.Unit) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

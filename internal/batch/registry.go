package batch

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Registry is the durable record of batch units. A resumed run finds its
// units here again; the pipeline never deletes them.
type Registry interface {
	// Get returns the stored unit, or (nil, nil) when there is none.
	Get(ctx context.Context, collectionID, unitID string) (*Unit, error)

	// Upsert stores u under (collectionID, u.ID), replacing any previous
	// version.
	Upsert(ctx context.Context, collectionID string, u *Unit) error
}

// Lister is implemented by registries that can enumerate a collection.
type Lister interface {
	List(ctx context.Context, collectionID string) ([]*Unit, error)
}

// MemRegistry is an in-memory [Registry]. It stores copies, so callers may
// keep mutating the units they pass in.
type MemRegistry struct {
	mu    sync.RWMutex
	units map[string]map[string]*Unit
}

var (
	_ Registry = (*MemRegistry)(nil)
	_ Lister   = (*MemRegistry)(nil)
)

// NewMemRegistry returns an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{units: make(map[string]map[string]*Unit)}
}

// Get implements [Registry].
func (r *MemRegistry) Get(_ context.Context, collectionID, unitID string) (*Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[collectionID][unitID].Clone(), nil
}

// Upsert implements [Registry].
func (r *MemRegistry) Upsert(_ context.Context, collectionID string, u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	coll, ok := r.units[collectionID]
	if !ok {
		coll = make(map[string]*Unit)
		r.units[collectionID] = coll
	}
	coll[u.ID] = u.Clone()
	return nil
}

// List implements [Lister]. Units are ordered by ID.
func (r *MemRegistry) List(_ context.Context, collectionID string) ([]*Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Unit, 0, len(r.units[collectionID]))
	for _, u := range r.units[collectionID] {
		out = append(out, u.Clone())
	}
	slices.SortFunc(out, func(a, b *Unit) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

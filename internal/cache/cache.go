// Package cache implements the two-tier content-addressed cache for
// synthesized audio.
//
// The memory tier maps a fingerprint to its decoded [audio.Buffer] and lives
// for the lifetime of the process. The durable tier is any [Store] holding the
// provider's encoded bytes; it survives restarts. [Cache.Get] checks memory,
// then the durable store, decoding and backfilling memory on a durable hit.
// [Cache.Put] writes the durable bytes first and the decoded form second.
//
// Entries are permanent: identical requests are assumed to produce identical
// audio, so nothing expires. The memory tier may optionally be capped with
// [WithMemoryLimit]; an evicted entry is simply refilled from the durable
// store on its next use.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
)

// Store is the durable byte tier. Implementations must be safe for
// concurrent use and must treat keys as write-once: a Put for a key that
// already exists may be ignored.
type Store interface {
	// Get returns the bytes stored under fingerprint. ok is false on a miss.
	Get(ctx context.Context, fingerprint string) (data []byte, ok bool, err error)

	// Put stores data under fingerprint.
	Put(ctx context.Context, fingerprint string, data []byte) error
}

// Tier reports where a lookup was satisfied.
type Tier int

const (
	// TierMiss means neither tier held the fingerprint.
	TierMiss Tier = iota
	// TierMemory is the in-process map.
	TierMemory
	// TierDurable is the [Store].
	TierDurable
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDurable:
		return "durable"
	default:
		return "miss"
	}
}

// Item is a cached synthesis result.
type Item struct {
	Audio *audio.Buffer
	Entry Entry
}

// Stats holds hit and miss counters per tier.
type Stats struct {
	MemoryHits   int64
	DurableHits  int64
	Misses       int64
	Writes       int64
	WriteErrors  int64
	Evictions    int64
	MemoryItems  int
	DecodeErrors int64
}

type memItem struct {
	key  string
	item Item
}

// Cache is the two-tier fingerprint cache. It is safe for concurrent use.
type Cache struct {
	store      Store
	decoder    *pcm.Decoder
	maxEntries int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used

	memoryHits   atomic.Int64
	durableHits  atomic.Int64
	misses       atomic.Int64
	writes       atomic.Int64
	writeErrors  atomic.Int64
	evictions    atomic.Int64
	decodeErrors atomic.Int64
}

// Option configures a [Cache].
type Option func(*Cache)

// WithMemoryLimit caps the memory tier at n entries, evicting the least
// recently used. n <= 0 leaves the tier unbounded.
func WithMemoryLimit(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// New creates a Cache over store. A nil store yields a memory-only cache
// backed by a fresh [MemStore]. decoder is used for durable hits; nil uses
// pcm defaults.
func New(store Store, decoder *pcm.Decoder, opts ...Option) *Cache {
	if store == nil {
		store = NewMemStore()
	}
	if decoder == nil {
		decoder = pcm.New()
	}
	c := &Cache{
		store:   store,
		decoder: decoder,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get looks fingerprint up in memory, then in the durable store. A durable
// hit is decoded and backfilled into memory. A durable payload that fails to
// decode is reported as a miss so the caller resynthesizes it.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Item, Tier, error) {
	if item, ok := c.memoryGet(fingerprint); ok {
		c.memoryHits.Add(1)
		return item, TierMemory, nil
	}

	data, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.misses.Add(1)
		return Item{}, TierMiss, fmt.Errorf("cache: durable get: %w", err)
	}
	if !ok {
		c.misses.Add(1)
		return Item{}, TierMiss, nil
	}

	entry := UnmarshalEntry(data)
	buf, err := entry.Decode(c.decoder)
	if err != nil {
		c.decodeErrors.Add(1)
		c.misses.Add(1)
		slog.Warn("cache: undecodable durable entry", "fingerprint", fingerprint, "err", err)
		return Item{}, TierMiss, nil
	}

	item := Item{Audio: buf, Entry: entry}
	c.memoryPut(fingerprint, item)
	c.durableHits.Add(1)
	return item, TierDurable, nil
}

// Put stores a successful synthesis result. The durable bytes are written
// first; the decoded buffer is then installed in memory even if the durable
// write failed, and the durable error is returned for the caller to log.
func (c *Cache) Put(ctx context.Context, fingerprint string, entry Entry, buf *audio.Buffer) error {
	var putErr error
	payload, err := entry.MarshalBinary()
	if err == nil {
		err = c.store.Put(ctx, fingerprint, payload)
	}
	if err != nil {
		c.writeErrors.Add(1)
		putErr = fmt.Errorf("cache: durable put: %w", err)
	} else {
		c.writes.Add(1)
	}
	c.memoryPut(fingerprint, Item{Audio: buf, Entry: entry})
	return putErr
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.items)
	c.mu.Unlock()
	return Stats{
		MemoryHits:   c.memoryHits.Load(),
		DurableHits:  c.durableHits.Load(),
		Misses:       c.misses.Load(),
		Writes:       c.writes.Load(),
		WriteErrors:  c.writeErrors.Load(),
		Evictions:    c.evictions.Load(),
		MemoryItems:  n,
		DecodeErrors: c.decodeErrors.Load(),
	}
}

// Store returns the durable tier.
func (c *Cache) Store() Store { return c.store }

func (c *Cache) memoryGet(key string) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Item{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*memItem).item, true
}

func (c *Cache) memoryPut(key string, item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		// First writer wins; identical requests produce identical audio.
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&memItem{key: key, item: item})
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*memItem).key)
		c.evictions.Add(1)
	}
}

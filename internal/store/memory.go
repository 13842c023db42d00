package store

import (
	"context"
	"sync"
	"time"

	"geocache/internal/core"
)

// MemoryBackend is the in-process fastest layer. Entries are kept whole in
// a map; all mutation happens under one lock so counter increments are
// atomic with respect to concurrent readers.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*core.CacheEntry
}

// NewMemoryBackend creates an empty memory layer.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*core.CacheEntry)}
}

// Layer returns core.LayerMemory.
func (b *MemoryBackend) Layer() core.Layer { return core.LayerMemory }

// Get returns a copy of the stored entry so callers never alias the map.
func (b *MemoryBackend) Get(_ context.Context, key string) (*core.CacheEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Put upserts the entry.
func (b *MemoryBackend) Put(_ context.Context, entry *core.CacheEntry) error {
	cp := *entry
	b.mu.Lock()
	b.entries[entry.Key] = &cp
	b.mu.Unlock()
	return nil
}

// Touch updates last_accessed_at without altering counters.
func (b *MemoryBackend) Touch(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.LastAccessedAt = at
	return nil
}

// Delete removes the entry. Idempotent.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// List returns copies of entries matching the filter.
func (b *MemoryBackend) List(_ context.Context, f Filter) ([]*core.CacheEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*core.CacheEntry
	for _, e := range b.entries {
		if f.Matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RecordHit increments hit_count and sets last_accessed_at.
func (b *MemoryBackend) RecordHit(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.HitCount++
	e.LastAccessedAt = at
	return nil
}

// RecordMiss increments miss_count and sets last_accessed_at.
func (b *MemoryBackend) RecordMiss(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.MissCount++
	e.LastAccessedAt = at
	return nil
}

// Close is a no-op for the memory layer.
func (b *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)

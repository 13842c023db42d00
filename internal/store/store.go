// Package store implements the layered cache entry store. Each layer is a
// Backend; the Store coordinates lookups across layers, lazy expiry, and
// the atomic hit/miss accounting on every read.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"geocache/internal/core"
	"geocache/internal/metrics"
)

// ErrNotFound indicates no entry exists for a (key, layer) pair.
var ErrNotFound = errors.New("cache entry not found")

// Filter narrows backend scans. Zero value matches everything.
type Filter struct {
	// Types restricts to the given request types.
	Types []core.RequestType
	// Tag restricts to entries carrying the invalidation tag.
	Tag string
	// ExpiredBefore restricts to entries with expires_at earlier than this.
	ExpiredBefore *time.Time
	// CreatedOnOrAfter / CreatedBefore bound creation time (stats windows).
	CreatedOnOrAfter *time.Time
	CreatedBefore    *time.Time
}

// Matches reports whether the entry satisfies the filter. Backends without
// query pushdown apply it in process.
func (f Filter) Matches(e *core.CacheEntry) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tag != "" && !e.HasTag(f.Tag) {
		return false
	}
	if f.ExpiredBefore != nil && !e.ExpiresAt.Before(*f.ExpiredBefore) {
		return false
	}
	if f.CreatedOnOrAfter != nil && e.CreatedAt.Before(*f.CreatedOnOrAfter) {
		return false
	}
	if f.CreatedBefore != nil && !e.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// Backend stores cache entries for a single layer.
// Implementations must be safe for concurrent use, and must make counter
// increments atomic (no application-level read-modify-write).
type Backend interface {
	// Layer returns the tier this backend serves.
	Layer() core.Layer

	// Get returns the entry for key, or ErrNotFound. Expired entries are
	// returned as stored; expiry policy belongs to the Store.
	Get(ctx context.Context, key string) (*core.CacheEntry, error)

	// Put upserts the entry under (entry.Key, layer).
	Put(ctx context.Context, entry *core.CacheEntry) error

	// Touch updates last_accessed_at without altering counters.
	Touch(ctx context.Context, key string, at time.Time) error

	// Delete removes the entry for key. Idempotent.
	Delete(ctx context.Context, key string) error

	// List returns entries matching the filter.
	List(ctx context.Context, f Filter) ([]*core.CacheEntry, error)

	// RecordHit atomically increments hit_count and sets last_accessed_at.
	RecordHit(ctx context.Context, key string, at time.Time) error

	// RecordMiss atomically increments miss_count for an entry that is
	// physically present but expired.
	RecordMiss(ctx context.Context, key string, at time.Time) error

	// Close releases backend resources.
	Close() error
}

// Store is the multi-layer cache entry store.
type Store struct {
	backends map[core.Layer]Backend
	clock    core.Clock
}

// New creates a Store over the given backends. At least one backend is
// required; lookups consult core.ReadOrder and skip absent layers.
func New(backends []Backend, clock core.Clock) (*Store, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	m := make(map[core.Layer]Backend, len(backends))
	for _, b := range backends {
		if _, dup := m[b.Layer()]; dup {
			return nil, fmt.Errorf("duplicate backend for layer %s", b.Layer())
		}
		m[b.Layer()] = b
	}
	return &Store{backends: m, clock: clock}, nil
}

// Backend returns the backend serving the given layer, if configured.
func (s *Store) Backend(layer core.Layer) (Backend, bool) {
	b, ok := s.backends[layer]
	return b, ok
}

// Layers returns the configured layers in read order.
func (s *Store) Layers() []core.Layer {
	out := make([]core.Layer, 0, len(s.backends))
	for _, l := range core.ReadOrder {
		if _, ok := s.backends[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Get checks a single layer. An expired entry is treated as a miss even
// though it is still physically present: the miss is counted and no entry
// is returned, but the row is left for the invalidation sweep so the
// expiry reason gets recorded.
func (s *Store) Get(ctx context.Context, key string, layer core.Layer) (*core.CacheEntry, bool, error) {
	b, ok := s.backends[layer]
	if !ok {
		return nil, false, core.NewStorageError("store.get", key, fmt.Errorf("layer %s not configured", layer))
	}

	now := s.clock.Now()
	entry, err := b.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.CacheMisses.WithLabelValues(string(layer), "").Inc()
			return nil, false, nil
		}
		return nil, false, core.NewStorageError("store.get", key, err)
	}

	if entry.Expired(now) {
		if err := b.RecordMiss(ctx, key, now); err != nil {
			slog.Warn("record miss failed", "key", key, "layer", layer, "error", err)
		}
		metrics.CacheMisses.WithLabelValues(string(layer), string(entry.Type)).Inc()
		return nil, false, nil
	}

	if err := b.RecordHit(ctx, key, now); err != nil {
		slog.Warn("record hit failed", "key", key, "layer", layer, "error", err)
	}
	entry.HitCount++
	entry.LastAccessedAt = now
	metrics.CacheHits.WithLabelValues(string(layer), string(entry.Type)).Inc()
	metrics.CostSaved.Add(entry.APICost)
	return entry, true, nil
}

// Put upserts the entry into the given layer. expires_at is derived from
// ttl_seconds and size_bytes from the payload length; both stored values
// are recomputed on every write.
func (s *Store) Put(ctx context.Context, layer core.Layer, entry *core.CacheEntry) error {
	b, ok := s.backends[layer]
	if !ok {
		return core.NewStorageError("store.put", entry.Key, fmt.Errorf("layer %s not configured", layer))
	}
	if entry.Key == "" {
		return core.NewValidationError("store.put", "entry key is required")
	}
	if !entry.Type.Valid() {
		return core.NewValidationError("store.put", fmt.Sprintf("unknown request type %q", entry.Type))
	}
	if entry.TTLSeconds <= 0 {
		return core.NewValidationError("store.put", "ttl_seconds must be positive")
	}

	now := s.clock.Now()
	entry.Layer = layer
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.ExpiresAt = now.Add(time.Duration(entry.TTLSeconds) * time.Second)
	entry.SizeBytes = int64(len(entry.Payload))
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = now
	}

	if err := b.Put(ctx, entry); err != nil {
		return core.NewStorageError("store.put", entry.Key, err)
	}
	return nil
}

// Touch updates last_accessed_at without altering counters. Used when a
// fallback hit is mirrored into a faster layer.
func (s *Store) Touch(ctx context.Context, key string, layer core.Layer) error {
	b, ok := s.backends[layer]
	if !ok {
		return core.NewStorageError("store.touch", key, fmt.Errorf("layer %s not configured", layer))
	}
	if err := b.Touch(ctx, key, s.clock.Now()); err != nil && !errors.Is(err, ErrNotFound) {
		return core.NewStorageError("store.touch", key, err)
	}
	return nil
}

// Lookup reads through the layers fastest-first and promotes a fallback
// hit into every faster layer so subsequent reads stay cheap.
func (s *Store) Lookup(ctx context.Context, key string) (*core.CacheEntry, bool, error) {
	var missed []core.Layer
	for _, layer := range s.Layers() {
		entry, found, err := s.Get(ctx, key, layer)
		if err != nil {
			return nil, false, err
		}
		if !found {
			missed = append(missed, layer)
			continue
		}
		s.promote(ctx, entry, missed)
		return entry, true, nil
	}
	return nil, false, nil
}

// promote mirrors a fallback hit into the faster layers it missed in.
// Promotion failures are logged, never surfaced: the caller has its entry.
func (s *Store) promote(ctx context.Context, entry *core.CacheEntry, faster []core.Layer) {
	for _, layer := range faster {
		cp := *entry
		cp.HitCount = 0
		cp.MissCount = 0
		cp.Layer = layer
		if err := s.backends[layer].Put(ctx, &cp); err != nil {
			slog.Warn("layer promotion failed", "key", entry.Key, "layer", layer, "error", err)
			continue
		}
		if err := s.Touch(ctx, entry.Key, layer); err != nil {
			slog.Warn("promotion touch failed", "key", entry.Key, "layer", layer, "error", err)
		}
	}
}

// Delete removes the entry from a single layer.
func (s *Store) Delete(ctx context.Context, key string, layer core.Layer) error {
	b, ok := s.backends[layer]
	if !ok {
		return core.NewStorageError("store.delete", key, fmt.Errorf("layer %s not configured", layer))
	}
	if err := b.Delete(ctx, key); err != nil {
		return core.NewStorageError("store.delete", key, err)
	}
	return nil
}

// DeleteAll removes the key from every configured layer.
func (s *Store) DeleteAll(ctx context.Context, key string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range s.backends {
		g.Go(func() error { return b.Delete(gctx, key) })
	}
	if err := g.Wait(); err != nil {
		return core.NewStorageError("store.delete_all", key, err)
	}
	return nil
}

// DeleteByTag removes every entry carrying the tag, across all layers.
// Returns the set of deleted keys.
func (s *Store) DeleteByTag(ctx context.Context, tag string) ([]string, error) {
	return s.DeleteWhere(ctx, Filter{Tag: tag}, nil)
}

// DeleteWhere removes entries matching the filter and, when non-nil, the
// predicate, across all layers. Returns the distinct deleted keys.
func (s *Store) DeleteWhere(ctx context.Context, f Filter, pred func(*core.CacheEntry) bool) ([]string, error) {
	seen := map[string]bool{}
	var keys []string
	for _, layer := range s.Layers() {
		b := s.backends[layer]
		entries, err := b.List(ctx, f)
		if err != nil {
			return keys, core.NewStorageError("store.delete_where", "", err)
		}
		for _, e := range entries {
			if pred != nil && !pred(e) {
				continue
			}
			if err := b.Delete(ctx, e.Key); err != nil {
				return keys, core.NewStorageError("store.delete_where", e.Key, err)
			}
			if !seen[e.Key] {
				seen[e.Key] = true
				keys = append(keys, e.Key)
			}
		}
	}
	return keys, nil
}

// List returns entries matching the filter in the given layer.
func (s *Store) List(ctx context.Context, layer core.Layer, f Filter) ([]*core.CacheEntry, error) {
	b, ok := s.backends[layer]
	if !ok {
		return nil, core.NewStorageError("store.list", "", fmt.Errorf("layer %s not configured", layer))
	}
	entries, err := b.List(ctx, f)
	if err != nil {
		return nil, core.NewStorageError("store.list", "", err)
	}
	return entries, nil
}

// Fresh reports whether a non-expired entry for key exists in any layer,
// without touching counters. The warming executor uses this to skip
// redundant provider calls.
func (s *Store) Fresh(ctx context.Context, key string) (bool, error) {
	now := s.clock.Now()
	for _, layer := range s.Layers() {
		entry, err := s.backends[layer].Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, core.NewStorageError("store.fresh", key, err)
		}
		if !entry.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// Close closes every backend.
func (s *Store) Close() error {
	var errs []error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s backend close: %w", b.Layer(), err))
		}
	}
	return errors.Join(errs...)
}

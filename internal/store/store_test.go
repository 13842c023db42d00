package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"geocache/internal/core"
)

// fakeClock lets tests step time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func memoryStore(t *testing.T, clock core.Clock) *Store {
	t.Helper()
	s, err := New([]Backend{NewMemoryBackend()}, clock)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func testEntry(key string, ttl int64) *core.CacheEntry {
	return &core.CacheEntry{
		Key:        key,
		Type:       core.TypeGeocode,
		Payload:    []byte(`{"lat":52.52,"lon":13.405}`),
		TTLSeconds: ttl,
	}
}

func TestGetLazyExpiry(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	s := memoryStore(t, clock)
	ctx := context.Background()

	if err := s.Put(ctx, core.LayerMemory, testEntry("geocode:abc", 60)); err != nil {
		t.Fatalf("put: %v", err)
	}

	// T+30s: hit.
	clock.Advance(30 * time.Second)
	entry, found, err := s.Get(ctx, "geocode:abc", core.LayerMemory)
	if err != nil || !found {
		t.Fatalf("expected hit at T+30s, found=%v err=%v", found, err)
	}
	if entry.HitCount != 1 {
		t.Errorf("hit_count = %d, want 1", entry.HitCount)
	}

	// T+61s: miss, even though the row is still physically present.
	clock.Advance(31 * time.Second)
	_, found, err = s.Get(ctx, "geocode:abc", core.LayerMemory)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected miss after TTL expiry")
	}

	b, _ := s.Backend(core.LayerMemory)
	raw, err := b.Get(ctx, "geocode:abc")
	if err != nil {
		t.Fatalf("expired row should not be deleted eagerly: %v", err)
	}
	if raw.MissCount != 1 {
		t.Errorf("miss_count = %d, want 1", raw.MissCount)
	}
	if raw.HitRate() != 50 {
		t.Errorf("hit_rate = %v, want 50", raw.HitRate())
	}
}

func TestPutDerivesExpiryAndSize(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	s := memoryStore(t, clock)
	ctx := context.Background()

	e := testEntry("geocode:abc", 300)
	if err := s.Put(ctx, core.LayerMemory, e); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !e.ExpiresAt.After(e.CreatedAt) {
		t.Error("expires_at must be after created_at")
	}
	if got, want := e.ExpiresAt, start.Add(300*time.Second); !got.Equal(want) {
		t.Errorf("expires_at = %v, want %v", got, want)
	}
	if e.SizeBytes != int64(len(e.Payload)) {
		t.Errorf("size_bytes = %d, want %d", e.SizeBytes, len(e.Payload))
	}
}

func TestPutValidation(t *testing.T) {
	s := memoryStore(t, nil)
	ctx := context.Background()

	bad := testEntry("", 60)
	if err := s.Put(ctx, core.LayerMemory, bad); !core.IsKind(err, core.KindValidation) {
		t.Errorf("empty key: expected validation error, got %v", err)
	}
	bad = testEntry("k", 0)
	if err := s.Put(ctx, core.LayerMemory, bad); !core.IsKind(err, core.KindValidation) {
		t.Errorf("zero ttl: expected validation error, got %v", err)
	}
	bad = testEntry("k", 60)
	bad.Type = "unknown"
	if err := s.Put(ctx, core.LayerMemory, bad); !core.IsKind(err, core.KindValidation) {
		t.Errorf("bad type: expected validation error, got %v", err)
	}
}

func TestConcurrentPutLastWriterWins(t *testing.T) {
	s := memoryStore(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := testEntry("route:X", 60)
			if err := s.Put(ctx, core.LayerMemory, e); err != nil {
				t.Errorf("concurrent put: %v", err)
			}
		}()
	}
	wg.Wait()

	b, _ := s.Backend(core.LayerMemory)
	entries, err := b.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(entries))
	}
}

func TestLookupPromotesFallbackHit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := NewMemoryBackend()
	slow := &renamedBackend{Backend: NewMemoryBackend(), layer: core.LayerPersistent}
	s, err := New([]Backend{mem, slow}, clock)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, core.LayerPersistent, testEntry("geocode:abc", 600)); err != nil {
		t.Fatalf("put: %v", err)
	}

	entry, found, err := s.Lookup(ctx, "geocode:abc")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if entry.Layer != core.LayerPersistent {
		t.Errorf("hit layer = %s, want persistent", entry.Layer)
	}

	// The fallback hit must now be mirrored into the memory layer.
	if _, err := mem.Get(ctx, "geocode:abc"); err != nil {
		t.Fatalf("expected promoted entry in memory layer: %v", err)
	}

	// Second lookup is served from memory.
	entry, found, err = s.Lookup(ctx, "geocode:abc")
	if err != nil || !found {
		t.Fatalf("second lookup: found=%v err=%v", found, err)
	}
	if entry.Layer != core.LayerMemory {
		t.Errorf("second hit layer = %s, want memory", entry.Layer)
	}
}

func TestDeleteByTag(t *testing.T) {
	s := memoryStore(t, nil)
	ctx := context.Background()

	a := testEntry("geocode:a", 60)
	a.InvalidationTags = []string{"client:42"}
	b := testEntry("geocode:b", 60)
	b.InvalidationTags = []string{"client:42", "region:berlin"}
	c := testEntry("geocode:c", 60)
	for _, e := range []*core.CacheEntry{a, b, c} {
		if err := s.Put(ctx, core.LayerMemory, e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	deleted, err := s.DeleteByTag(ctx, "client:42")
	if err != nil {
		t.Fatalf("delete by tag: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted %v, want 2 keys", deleted)
	}
	if _, found, _ := s.Get(ctx, "geocode:c", core.LayerMemory); !found {
		t.Error("untagged entry should survive")
	}
}

func TestFreshIgnoresExpiredEntries(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := memoryStore(t, clock)
	ctx := context.Background()

	if err := s.Put(ctx, core.LayerMemory, testEntry("geocode:abc", 60)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if fresh, _ := s.Fresh(ctx, "geocode:abc"); !fresh {
		t.Error("expected fresh entry")
	}
	clock.Advance(2 * time.Minute)
	if fresh, _ := s.Fresh(ctx, "geocode:abc"); fresh {
		t.Error("expired entry must not count as fresh")
	}
	if fresh, _ := s.Fresh(ctx, "geocode:absent"); fresh {
		t.Error("absent entry must not count as fresh")
	}
}

// renamedBackend lets tests stand a memory backend in for another layer.
type renamedBackend struct {
	Backend
	layer core.Layer
}

func (b *renamedBackend) Layer() core.Layer { return b.layer }

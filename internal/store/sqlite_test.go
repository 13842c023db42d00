package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"geocache/internal/codec"
	"geocache/internal/core"
	"geocache/internal/storage"
)

func sqliteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("new sqlite storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b, err := NewSQLiteBackend(st.SQLiteDB(), codec.New(64))
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	return b
}

func sqliteEntry(key string) *core.CacheEntry {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &core.CacheEntry{
		Key:              key,
		Layer:            core.LayerPersistent,
		Type:             core.TypeRoute,
		Payload:          []byte(`{"geometry":"...","duration":640,"distance":4100}`),
		Metadata:         []byte(`{"provider":"osrm","confidence":0.92}`),
		CreatedAt:        now,
		ExpiresAt:        now.Add(10 * time.Minute),
		TTLSeconds:       600,
		LastAccessedAt:   now,
		WarmingPriority:  2,
		PredictionScore:  0.7,
		InvalidationTags: []string{"region:berlin"},
		ParentKeys:       []string{"geocode:parent"},
		SizeBytes:        47,
		APICost:          0.004,
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	b := sqliteBackend(t)
	ctx := context.Background()

	want := sqliteEntry("route:rt1")
	if err := b.Put(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := b.Get(ctx, "route:rt1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != core.TypeRoute {
		t.Errorf("type = %s, want route", got.Type)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("payload mismatch: %s", got.Payload)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
	if len(got.InvalidationTags) != 1 || got.InvalidationTags[0] != "region:berlin" {
		t.Errorf("tags = %v", got.InvalidationTags)
	}
	if len(got.ParentKeys) != 1 || got.ParentKeys[0] != "geocode:parent" {
		t.Errorf("parent_keys = %v", got.ParentKeys)
	}
	if got.APICost != 0.004 {
		t.Errorf("api_cost = %v", got.APICost)
	}
}

func TestSQLiteBackendUpsertNoDuplicate(t *testing.T) {
	b := sqliteBackend(t)
	ctx := context.Background()

	e := sqliteEntry("route:X")
	if err := b.Put(ctx, e); err != nil {
		t.Fatalf("first put: %v", err)
	}
	e.Payload = []byte(`{"geometry":"updated"}`)
	if err := b.Put(ctx, e); err != nil {
		t.Fatalf("second put must upsert, not error: %v", err)
	}

	entries, err := b.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one row after upsert, got %d", len(entries))
	}
	if string(entries[0].Payload) != `{"geometry":"updated"}` {
		t.Errorf("last writer should win, got %s", entries[0].Payload)
	}
}

func TestSQLiteBackendCounters(t *testing.T) {
	b := sqliteBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, sqliteEntry("route:rt1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := b.RecordHit(ctx, "route:rt1", at); err != nil {
			t.Fatalf("record hit: %v", err)
		}
	}
	if err := b.RecordMiss(ctx, "route:rt1", at); err != nil {
		t.Fatalf("record miss: %v", err)
	}

	got, err := b.Get(ctx, "route:rt1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HitCount != 3 || got.MissCount != 1 {
		t.Errorf("counters = %d/%d, want 3/1", got.HitCount, got.MissCount)
	}
	if got.HitRate() != 75 {
		t.Errorf("hit_rate = %v, want 75", got.HitRate())
	}
	if !got.LastAccessedAt.Equal(at) {
		t.Errorf("last_accessed_at = %v, want %v", got.LastAccessedAt, at)
	}

	if err := b.RecordHit(ctx, "route:absent", at); err != ErrNotFound {
		t.Errorf("hit on absent row: err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteBackendListFilters(t *testing.T) {
	b := sqliteBackend(t)
	ctx := context.Background()

	old := sqliteEntry("route:old")
	old.CreatedAt = old.CreatedAt.Add(-2 * time.Hour)
	old.ExpiresAt = old.CreatedAt.Add(10 * time.Minute)
	geo := sqliteEntry("geocode:g1")
	geo.Type = core.TypeGeocode
	geo.InvalidationTags = []string{"client:7"}
	for _, e := range []*core.CacheEntry{sqliteEntry("route:new"), old, geo} {
		if err := b.Put(ctx, e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired, err := b.List(ctx, Filter{ExpiredBefore: &now})
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].Key != "route:old" {
		t.Fatalf("expired = %v", keysOf(expired))
	}

	routes, err := b.List(ctx, Filter{Types: []core.RequestType{core.TypeRoute}})
	if err != nil {
		t.Fatalf("list routes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %v", keysOf(routes))
	}

	tagged, err := b.List(ctx, Filter{Tag: "client:7"})
	if err != nil {
		t.Fatalf("list tagged: %v", err)
	}
	if len(tagged) != 1 || tagged[0].Key != "geocode:g1" {
		t.Fatalf("tagged = %v", keysOf(tagged))
	}
}

func TestSQLiteBackendDeleteIdempotent(t *testing.T) {
	b := sqliteBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, sqliteEntry("route:rt1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.Delete(ctx, "route:rt1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, "route:rt1"); err != nil {
		t.Fatalf("second delete must be idempotent: %v", err)
	}
	if _, err := b.Get(ctx, "route:rt1"); err != ErrNotFound {
		t.Fatalf("get after delete: err = %v, want ErrNotFound", err)
	}
}

func keysOf(entries []*core.CacheEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

package store

import (
	"context"
	"testing"
	"time"

	"geocache/internal/codec"
	"geocache/internal/core"
)

func edgeBackend(t *testing.T) *EdgeBackend {
	t.Helper()
	b, err := NewEdgeBackend(t.TempDir(), codec.New(64))
	if err != nil {
		t.Fatalf("new edge backend: %v", err)
	}
	return b
}

func TestEdgeBackendRoundTrip(t *testing.T) {
	b := edgeBackend(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := &core.CacheEntry{
		Key:            "autocomplete:q1",
		Layer:          core.LayerEdge,
		Type:           core.TypeAutocomplete,
		Payload:        []byte(`["alexanderplatz","alexandrinenstr"]`),
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		TTLSeconds:     3600,
		LastAccessedAt: now,
	}
	if err := b.Put(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := b.Get(ctx, "autocomplete:q1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("payload mismatch: %s", got.Payload)
	}

	if err := b.RecordHit(ctx, "autocomplete:q1", now.Add(time.Minute)); err != nil {
		t.Fatalf("record hit: %v", err)
	}
	got, err = b.Get(ctx, "autocomplete:q1")
	if err != nil {
		t.Fatalf("get after hit: %v", err)
	}
	if got.HitCount != 1 {
		t.Errorf("hit_count = %d, want 1", got.HitCount)
	}

	if err := b.Delete(ctx, "autocomplete:q1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, "autocomplete:q1"); err != nil {
		t.Fatalf("second delete must be idempotent: %v", err)
	}
	if _, err := b.Get(ctx, "autocomplete:q1"); err != ErrNotFound {
		t.Fatalf("get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestEdgeBackendList(t *testing.T) {
	b := edgeBackend(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, key := range []string{"geocode:a", "route:b"} {
		typ := core.TypeGeocode
		if i == 1 {
			typ = core.TypeRoute
		}
		e := &core.CacheEntry{
			Key: key, Type: typ, Payload: []byte("x"),
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			TTLSeconds: 3600, LastAccessedAt: now,
		}
		if err := b.Put(ctx, e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	routes, err := b.List(ctx, Filter{Types: []core.RequestType{core.TypeRoute}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(routes) != 1 || routes[0].Key != "route:b" {
		t.Fatalf("routes = %v", keysOf(routes))
	}
}

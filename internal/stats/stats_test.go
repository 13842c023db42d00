package stats

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"geocache/internal/core"
	"geocache/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store, *SQLiteBucketStore) {
	t.Helper()
	st, err := store.New([]store.Backend{store.NewMemoryBackend()}, core.SystemClock{})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	buckets, err := NewSQLiteBucketStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteBucketStore: %v", err)
	}
	return New(st, buckets, nil), st, buckets
}

func put(t *testing.T, st *store.Store, e *core.CacheEntry) {
	t.Helper()
	if e.Payload == nil {
		e.Payload = []byte(`{"ok":true}`)
	}
	if e.TTLSeconds == 0 {
		e.TTLSeconds = 3600
	}
	if err := st.Put(context.Background(), core.LayerMemory, e); err != nil {
		t.Fatalf("Put %s: %v", e.Key, err)
	}
}

func TestAggregateComputesBucket(t *testing.T) {
	agg, st, buckets := newTestAggregator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put(t, st, &core.CacheEntry{Key: "route:a", Type: core.TypeRoute, APICost: 0.01, PredictionScore: 0.8, WarmingPriority: 2})
	put(t, st, &core.CacheEntry{Key: "route:b", Type: core.TypeRoute, APICost: 0.01, PredictionScore: 0.9})
	put(t, st, &core.CacheEntry{Key: "geocode:c", Type: core.TypeGeocode})

	// Three hits on a, none on b.
	for i := 0; i < 3; i++ {
		if _, ok, err := st.Get(ctx, "route:a", core.LayerMemory); err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
	}

	n, err := agg.Aggregate(ctx, now)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if n != 2 {
		t.Fatalf("wrote %d buckets, want 2", n)
	}

	b, err := buckets.Get(ctx, now.Format(DateFormat), core.TypeRoute, core.LayerMemory)
	if err != nil {
		t.Fatalf("Get bucket: %v", err)
	}
	if b.Hits != 3 || b.Misses != 0 || b.TotalRequests != 3 {
		t.Fatalf("bucket traffic = %+v", b)
	}
	if b.HitRate != 100 {
		t.Fatalf("hit rate = %v, want 100", b.HitRate)
	}
	if b.APICallsSaved != 3 {
		t.Fatalf("api calls saved = %d, want 3", b.APICallsSaved)
	}
	if b.CostSaved != 0.01 {
		t.Fatalf("cost saved = %v, want 0.01 (only the entry that was hit)", b.CostSaved)
	}
	if b.WarmingRequests != 1 {
		t.Fatalf("warming requests = %d, want 1", b.WarmingRequests)
	}
	// Two confident predictions, one of which earned a hit.
	if b.PredictionAccuracy != 0.5 {
		t.Fatalf("prediction accuracy = %v, want 0.5", b.PredictionAccuracy)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	agg, st, buckets := newTestAggregator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put(t, st, &core.CacheEntry{Key: "route:a", Type: core.TypeRoute})
	if _, ok, err := st.Get(ctx, "route:a", core.LayerMemory); err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}

	if _, err := agg.Aggregate(ctx, now); err != nil {
		t.Fatalf("first Aggregate: %v", err)
	}
	if _, err := agg.Aggregate(ctx, now); err != nil {
		t.Fatalf("second Aggregate: %v", err)
	}

	b, err := buckets.Get(ctx, now.Format(DateFormat), core.TypeRoute, core.LayerMemory)
	if err != nil {
		t.Fatalf("Get bucket: %v", err)
	}
	if b.Hits != 1 || b.TotalRequests != 1 {
		t.Fatalf("re-aggregation double-counted: %+v", b)
	}
}

func TestAggregateEmptyDay(t *testing.T) {
	agg, _, buckets := newTestAggregator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n, err := agg.Aggregate(ctx, now)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if n != 0 {
		t.Fatalf("wrote %d buckets for an empty cache, want 0", n)
	}
	if _, err := buckets.Get(ctx, now.Format(DateFormat), core.TypeRoute, core.LayerMemory); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestBucketStorePurge(t *testing.T) {
	_, _, buckets := newTestAggregator(t)
	ctx := context.Background()

	old := &core.StatsBucket{Date: "2025-01-01", Type: core.TypeRoute, Layer: core.LayerMemory, Hits: 5}
	recent := &core.StatsBucket{Date: "2025-03-01", Type: core.TypeRoute, Layer: core.LayerMemory, Hits: 7}
	for _, b := range []*core.StatsBucket{old, recent} {
		if err := buckets.Upsert(ctx, b); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	n, err := buckets.PurgeOlderThan(ctx, "2025-02-01")
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d buckets, want 1", n)
	}
	got, err := buckets.List(ctx, "2025-03-01")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Hits != 7 {
		t.Fatalf("remaining buckets = %+v", got)
	}
}

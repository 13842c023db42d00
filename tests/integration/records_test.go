//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geocache/internal/core"
	"geocache/internal/invalidation"
)

func appendRecord(t *testing.T, rs invalidation.RecordStore, key string, strategy core.InvalidationStrategy, at time.Time) *core.InvalidationRecord {
	t.Helper()
	rec := &core.InvalidationRecord{
		CacheKey:      key,
		Strategy:      strategy,
		Reason:        "entry past ttl",
		InvalidatedAt: at,
		Type:          core.TypeRoute,
		AgeSeconds:    120,
		HitCount:      7,
	}
	require.NoError(t, rs.Append(testCtx, rec))
	require.NotZero(t, rec.ID)
	return rec
}

func TestPostgresRecordStore(t *testing.T) {
	rs, err := invalidation.NewPostgresRecordStore(pgPool)
	require.NoError(t, err)

	now := time.Now().UTC()
	old := appendRecord(t, rs, "route:rec:old", core.StrategyTimeBased, now.Add(-48*time.Hour))
	newest := appendRecord(t, rs, "route:rec:new", core.StrategyManualAdmin, now)

	records, err := rs.List(testCtx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(records), 2)
	assert.Equal(t, newest.CacheKey, records[0].CacheKey, "newest first")
	assert.Equal(t, core.StrategyManualAdmin, records[0].Strategy)
	assert.Equal(t, int64(7), records[0].HitCount)

	n, err := rs.CountSince(testCtx, core.StrategyTimeBased, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	n, err = rs.CountSince(testCtx, core.StrategyTimeBased, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	purged, err := rs.PurgeOlderThan(testCtx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))

	records, err = rs.List(testCtx, 100)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, old.ID, rec.ID)
	}
}

func TestMongoRecordStoreArchive(t *testing.T) {
	rs, err := invalidation.NewMongoRecordStore(mongoDatabase)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	old := appendRecord(t, rs, "route:mongo:old", core.StrategyTimeBased, now.Add(-48*time.Hour))
	appendRecord(t, rs, "route:mongo:new", core.StrategyDependencyBased, now)

	records, err := rs.List(testCtx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "route:mongo:new", records[0].CacheKey)
	assert.Equal(t, core.StrategyDependencyBased, records[0].Strategy)
	assert.WithinDuration(t, now, records[0].InvalidatedAt, time.Second)

	n, err := rs.CountSince(testCtx, core.StrategyTimeBased, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	purged, err := rs.PurgeOlderThan(testCtx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	records, err = rs.List(testCtx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, old.ID, records[0].ID)
}

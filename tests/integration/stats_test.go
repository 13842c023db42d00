//go:build integration

package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geocache/internal/core"
	"geocache/internal/stats"
)

func TestPostgresBucketStoreUpsert(t *testing.T) {
	bs, err := stats.NewPostgresBucketStore(pgPool)
	require.NoError(t, err)

	bucket := &core.StatsBucket{
		Date:               "2026-08-30",
		Type:               core.TypeRoute,
		Layer:              core.LayerPersistent,
		TotalRequests:      100,
		Hits:               80,
		Misses:             20,
		HitRate:            80,
		TotalSize:          4096,
		APICallsSaved:      80,
		CostSaved:          0.32,
		WarmingRequests:    5,
		PredictionAccuracy: 0.5,
	}
	require.NoError(t, bs.Upsert(testCtx, bucket))

	got, err := bs.Get(testCtx, bucket.Date, bucket.Type, bucket.Layer)
	require.NoError(t, err)
	assert.Equal(t, bucket, got)

	// Re-aggregating the same day replaces values in place.
	bucket.Hits = 90
	bucket.HitRate = 90
	require.NoError(t, bs.Upsert(testCtx, bucket))

	got, err = bs.Get(testCtx, bucket.Date, bucket.Type, bucket.Layer)
	require.NoError(t, err)
	assert.Equal(t, int64(90), got.Hits)
	assert.Equal(t, float64(90), got.HitRate)

	listed, err := bs.List(testCtx, bucket.Date)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = bs.Get(testCtx, "2026-08-31", bucket.Type, bucket.Layer)
	assert.ErrorIs(t, err, stats.ErrNotFound)

	purged, err := bs.PurgeOlderThan(testCtx, "2026-08-31")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geocache/internal/core"
)

// PostgresBucketStore persists stats buckets in PostgreSQL.
type PostgresBucketStore struct {
	pool *pgxpool.Pool
}

// NewPostgresBucketStore creates the cache_stats table if needed.
func NewPostgresBucketStore(pool *pgxpool.Pool) (*PostgresBucketStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS cache_stats (
			date TEXT NOT NULL,
			type TEXT NOT NULL,
			layer TEXT NOT NULL,
			total_requests BIGINT NOT NULL DEFAULT 0,
			hits BIGINT NOT NULL DEFAULT 0,
			misses BIGINT NOT NULL DEFAULT 0,
			hit_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_hit_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_miss_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_size BIGINT NOT NULL DEFAULT 0,
			api_calls_saved BIGINT NOT NULL DEFAULT 0,
			cost_saved DOUBLE PRECISION NOT NULL DEFAULT 0,
			warming_requests BIGINT NOT NULL DEFAULT 0,
			prediction_accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (date, type, layer)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_stats table: %w", err)
	}
	return &PostgresBucketStore{pool: pool}, nil
}

// Upsert writes the bucket, replacing any previous values for its key.
func (s *PostgresBucketStore) Upsert(ctx context.Context, b *core.StatsBucket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_stats (`+bucketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (date, type, layer) DO UPDATE SET
			total_requests = EXCLUDED.total_requests,
			hits = EXCLUDED.hits,
			misses = EXCLUDED.misses,
			hit_rate = EXCLUDED.hit_rate,
			avg_hit_latency_ms = EXCLUDED.avg_hit_latency_ms,
			avg_miss_latency_ms = EXCLUDED.avg_miss_latency_ms,
			total_size = EXCLUDED.total_size,
			api_calls_saved = EXCLUDED.api_calls_saved,
			cost_saved = EXCLUDED.cost_saved,
			warming_requests = EXCLUDED.warming_requests,
			prediction_accuracy = EXCLUDED.prediction_accuracy
	`, b.Date, string(b.Type), string(b.Layer), b.TotalRequests, b.Hits, b.Misses,
		b.HitRate, b.AvgHitLatencyMs, b.AvgMissLatencyMs, b.TotalSize,
		b.APICallsSaved, b.CostSaved, b.WarmingRequests, b.PredictionAccuracy)
	if err != nil {
		return fmt.Errorf("upsert stats bucket: %w", err)
	}
	return nil
}

// Get loads one bucket, or ErrNotFound.
func (s *PostgresBucketStore) Get(ctx context.Context, date string, typ core.RequestType, layer core.Layer) (*core.StatsBucket, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+bucketColumns+" FROM cache_stats WHERE date = $1 AND type = $2 AND layer = $3",
		date, string(typ), string(layer))

	var b core.StatsBucket
	var t, l string
	err := row.Scan(&b.Date, &t, &l, &b.TotalRequests, &b.Hits, &b.Misses,
		&b.HitRate, &b.AvgHitLatencyMs, &b.AvgMissLatencyMs, &b.TotalSize,
		&b.APICallsSaved, &b.CostSaved, &b.WarmingRequests, &b.PredictionAccuracy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query stats bucket: %w", err)
	}
	b.Type = core.RequestType(t)
	b.Layer = core.Layer(l)
	return &b, nil
}

// List returns every bucket for a date, ordered by type then layer.
func (s *PostgresBucketStore) List(ctx context.Context, date string) ([]*core.StatsBucket, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+bucketColumns+" FROM cache_stats WHERE date = $1 ORDER BY type, layer", date)
	if err != nil {
		return nil, fmt.Errorf("list stats buckets: %w", err)
	}
	defer rows.Close()

	var out []*core.StatsBucket
	for rows.Next() {
		var b core.StatsBucket
		var t, l string
		if err := rows.Scan(&b.Date, &t, &l, &b.TotalRequests, &b.Hits, &b.Misses,
			&b.HitRate, &b.AvgHitLatencyMs, &b.AvgMissLatencyMs, &b.TotalSize,
			&b.APICallsSaved, &b.CostSaved, &b.WarmingRequests, &b.PredictionAccuracy); err != nil {
			return nil, fmt.Errorf("scan stats bucket row: %w", err)
		}
		b.Type = core.RequestType(t)
		b.Layer = core.Layer(l)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes buckets dated strictly before date.
func (s *PostgresBucketStore) PurgeOlderThan(ctx context.Context, date string) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM cache_stats WHERE date < $1", date)
	if err != nil {
		return 0, fmt.Errorf("purge stats buckets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; pool lifecycle is managed by the storage layer.
func (s *PostgresBucketStore) Close() error { return nil }

var _ BucketStore = (*PostgresBucketStore)(nil)

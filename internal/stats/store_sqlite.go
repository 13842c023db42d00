package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"geocache/internal/core"
)

// ErrNotFound is returned when a bucket does not exist.
var ErrNotFound = errors.New("stats bucket not found")

// SQLiteBucketStore persists stats buckets in SQLite.
type SQLiteBucketStore struct {
	db *sql.DB
}

// NewSQLiteBucketStore creates the cache_stats table if needed.
func NewSQLiteBucketStore(db *sql.DB) (*SQLiteBucketStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_stats (
			date TEXT NOT NULL,
			type TEXT NOT NULL,
			layer TEXT NOT NULL,
			total_requests INTEGER NOT NULL DEFAULT 0,
			hits INTEGER NOT NULL DEFAULT 0,
			misses INTEGER NOT NULL DEFAULT 0,
			hit_rate REAL NOT NULL DEFAULT 0,
			avg_hit_latency_ms REAL NOT NULL DEFAULT 0,
			avg_miss_latency_ms REAL NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT 0,
			api_calls_saved INTEGER NOT NULL DEFAULT 0,
			cost_saved REAL NOT NULL DEFAULT 0,
			warming_requests INTEGER NOT NULL DEFAULT 0,
			prediction_accuracy REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (date, type, layer)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_stats table: %w", err)
	}
	return &SQLiteBucketStore{db: db}, nil
}

const bucketColumns = `date, type, layer, total_requests, hits, misses, hit_rate,
	avg_hit_latency_ms, avg_miss_latency_ms, total_size, api_calls_saved,
	cost_saved, warming_requests, prediction_accuracy`

// Upsert writes the bucket, replacing any previous values for its key.
func (s *SQLiteBucketStore) Upsert(ctx context.Context, b *core.StatsBucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_stats (`+bucketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, type, layer) DO UPDATE SET
			total_requests = excluded.total_requests,
			hits = excluded.hits,
			misses = excluded.misses,
			hit_rate = excluded.hit_rate,
			avg_hit_latency_ms = excluded.avg_hit_latency_ms,
			avg_miss_latency_ms = excluded.avg_miss_latency_ms,
			total_size = excluded.total_size,
			api_calls_saved = excluded.api_calls_saved,
			cost_saved = excluded.cost_saved,
			warming_requests = excluded.warming_requests,
			prediction_accuracy = excluded.prediction_accuracy
	`, b.Date, string(b.Type), string(b.Layer), b.TotalRequests, b.Hits, b.Misses,
		b.HitRate, b.AvgHitLatencyMs, b.AvgMissLatencyMs, b.TotalSize,
		b.APICallsSaved, b.CostSaved, b.WarmingRequests, b.PredictionAccuracy)
	if err != nil {
		return fmt.Errorf("upsert stats bucket: %w", err)
	}
	return nil
}

// Get loads one bucket, or ErrNotFound.
func (s *SQLiteBucketStore) Get(ctx context.Context, date string, typ core.RequestType, layer core.Layer) (*core.StatsBucket, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+bucketColumns+" FROM cache_stats WHERE date = ? AND type = ? AND layer = ?",
		date, string(typ), string(layer))

	var b core.StatsBucket
	var t, l string
	err := row.Scan(&b.Date, &t, &l, &b.TotalRequests, &b.Hits, &b.Misses,
		&b.HitRate, &b.AvgHitLatencyMs, &b.AvgMissLatencyMs, &b.TotalSize,
		&b.APICallsSaved, &b.CostSaved, &b.WarmingRequests, &b.PredictionAccuracy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query stats bucket: %w", err)
	}
	b.Type = core.RequestType(t)
	b.Layer = core.Layer(l)
	return &b, nil
}

// List returns every bucket for a date, ordered by type then layer.
func (s *SQLiteBucketStore) List(ctx context.Context, date string) ([]*core.StatsBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+bucketColumns+" FROM cache_stats WHERE date = ? ORDER BY type, layer", date)
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
func (s *SQLiteBucketStore) PurgeOlderThan(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_stats WHERE date < ?", date)
	if err != nil {
		return 0, fmt.Errorf("purge stats buckets: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; DB lifecycle is managed by the storage layer.
func (s *SQLiteBucketStore) Close() error { return nil }

var _ BucketStore = (*SQLiteBucketStore)(nil)

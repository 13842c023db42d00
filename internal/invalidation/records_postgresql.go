package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"geocache/internal/core"
)

// PostgresRecordStore stores invalidation records in PostgreSQL.
type PostgresRecordStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRecordStore creates the invalidation_records table if needed.
func NewPostgresRecordStore(pool *pgxpool.Pool) (*PostgresRecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invalidation_records (
			id BIGSERIAL PRIMARY KEY,
			cache_key TEXT NOT NULL,
			strategy TEXT NOT NULL,
			reason TEXT NOT NULL,
			invalidated_at TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			age_seconds BIGINT NOT NULL,
			hit_count BIGINT NOT NULL,
			replacement_created BOOLEAN NOT NULL DEFAULT FALSE,
			replacement_created_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalidation_records table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_invalidation_records_at ON invalidation_records(invalidated_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_invalidation_records_strategy ON invalidation_records(strategy)",
		"CREATE INDEX IF NOT EXISTS idx_invalidation_records_key ON invalidation_records(cache_key)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgresRecordStore{pool: pool}, nil
}

// Append writes one record.
func (s *PostgresRecordStore) Append(ctx context.Context, rec *core.InvalidationRecord) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invalidation_records
			(cache_key, strategy, reason, invalidated_at, type, age_seconds,
			 hit_count, replacement_created, replacement_created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, rec.CacheKey, string(rec.Strategy), rec.Reason, rec.InvalidatedAt,
		string(rec.Type), rec.AgeSeconds, rec.HitCount, rec.ReplacementCreated,
		rec.ReplacementCreatedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert invalidation record: %w", err)
	}
	return nil
}

// List returns the most recent records, newest first.
func (s *PostgresRecordStore) List(ctx context.Context, limit int) ([]*core.InvalidationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cache_key, strategy, reason, invalidated_at, type,
		       age_seconds, hit_count, replacement_created, replacement_created_at
		FROM invalidation_records
		ORDER BY invalidated_at DESC, id DESC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list invalidation records: %w", err)
	}
	defer rows.Close()

	var out []*core.InvalidationRecord
	for rows.Next() {
		var (
			rec           core.InvalidationRecord
			strategy, typ string
		)
		if err := rows.Scan(&rec.ID, &rec.CacheKey, &strategy, &rec.Reason, &rec.InvalidatedAt,
			&typ, &rec.AgeSeconds, &rec.HitCount, &rec.ReplacementCreated,
			&rec.ReplacementCreatedAt); err != nil {
			return nil, fmt.Errorf("scan invalidation record: %w", err)
		}
		rec.Strategy = core.InvalidationStrategy(strategy)
		rec.Type = core.RequestType(typ)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invalidation records: %w", err)
	}
	return out, nil
}

// CountSince returns how many records carry the strategy since the cutoff.
func (s *PostgresRecordStore) CountSince(ctx context.Context, strategy core.InvalidationStrategy, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM invalidation_records
		WHERE strategy = $1 AND invalidated_at >= $2
	`, string(strategy), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count invalidation records: %w", err)
	}
	return n, nil
}

// PurgeOlderThan deletes records past the retention window.
func (s *PostgresRecordStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM invalidation_records WHERE invalidated_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge invalidation records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; pool lifecycle is managed by the storage layer.
func (s *PostgresRecordStore) Close() error { return nil }

var _ RecordStore = (*PostgresRecordStore)(nil)

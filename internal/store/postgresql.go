package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geocache/internal/codec"
	"geocache/internal/core"
)

// PostgresBackend stores the persistent layer in PostgreSQL, for
// deployments where several nodes share one durable tier.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	codec *codec.Codec
}

// NewPostgresBackend creates the cache_entries table and indexes if needed.
func NewPostgresBackend(pool *pgxpool.Pool, c *codec.Codec) (*PostgresBackend, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	if c == nil {
		c = codec.New(0)
	}

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT NOT NULL,
			layer TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			ttl_seconds BIGINT NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			hit_count BIGINT NOT NULL DEFAULT 0,
			miss_count BIGINT NOT NULL DEFAULT 0,
			warming_priority INTEGER NOT NULL DEFAULT 0,
			prediction_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			invalidation_tags JSONB NOT NULL DEFAULT '[]',
			parent_keys JSONB NOT NULL DEFAULT '[]',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			api_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (key, layer),
			CHECK (expires_at > created_at)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_entries table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_cache_entries_type ON cache_entries(type)",
		"CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_cache_entries_tags_gin ON cache_entries USING GIN (invalidation_tags)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgresBackend{pool: pool, codec: c}, nil
}

// Layer returns core.LayerPersistent.
func (b *PostgresBackend) Layer() core.Layer { return core.LayerPersistent }

const pgEntryColumns = `key, layer, type, payload, metadata, created_at, expires_at,
	ttl_seconds, last_accessed_at, hit_count, miss_count, warming_priority,
	prediction_score, invalidation_tags, parent_keys, size_bytes, api_cost`

// Get returns the entry for key, or ErrNotFound.
func (b *PostgresBackend) Get(ctx context.Context, key string) (*core.CacheEntry, error) {
	rows, err := b.pool.Query(ctx,
		"SELECT "+pgEntryColumns+" FROM cache_entries WHERE key = $1 AND layer = $2",
		key, string(core.LayerPersistent))
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query cache entry: %w", err)
		}
		return nil, ErrNotFound
	}
	return b.scanEntry(rows)
}

func (b *PostgresBackend) scanEntry(row pgx.Row) (*core.CacheEntry, error) {
	var (
		e          core.CacheEntry
		layer, typ string
		metadata   []byte
		stored     []byte
		tags       []byte
		parents    []byte
	)
	err := row.Scan(&e.Key, &layer, &typ, &stored, &metadata, &e.CreatedAt, &e.ExpiresAt,
		&e.TTLSeconds, &e.LastAccessedAt, &e.HitCount, &e.MissCount, &e.WarmingPriority,
		&e.PredictionScore, &tags, &parents, &e.SizeBytes, &e.APICost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}
	e.Layer = core.Layer(layer)
	e.Type = core.RequestType(typ)
	if len(metadata) > 0 {
		e.Metadata = json.RawMessage(metadata)
	}
	if err := json.Unmarshal(tags, &e.InvalidationTags); err != nil {
		return nil, fmt.Errorf("decode invalidation tags: %w", err)
	}
	if err := json.Unmarshal(parents, &e.ParentKeys); err != nil {
		return nil, fmt.Errorf("decode parent keys: %w", err)
	}
	payload, err := b.codec.Decode(stored)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

// Put upserts the entry; concurrent writers resolve to last-writer-wins.
func (b *PostgresBackend) Put(ctx context.Context, entry *core.CacheEntry) error {
	stored, err := b.codec.Encode(entry.Payload)
	if err != nil {
		return err
	}
	tagsJSON, parentsJSON, err := encodeSets(entry)
	if err != nil {
		return err
	}
	var metadata interface{}
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO cache_entries (`+pgEntryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (key, layer) DO UPDATE SET
			type = EXCLUDED.type,
			payload = EXCLUDED.payload,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			ttl_seconds = EXCLUDED.ttl_seconds,
			last_accessed_at = EXCLUDED.last_accessed_at,
			warming_priority = EXCLUDED.warming_priority,
			prediction_score = EXCLUDED.prediction_score,
			invalidation_tags = EXCLUDED.invalidation_tags,
			parent_keys = EXCLUDED.parent_keys,
			size_bytes = EXCLUDED.size_bytes,
			api_cost = EXCLUDED.api_cost
	`, entry.Key, string(core.LayerPersistent), string(entry.Type), stored, metadata,
		entry.CreatedAt, entry.ExpiresAt, entry.TTLSeconds, entry.LastAccessedAt,
		entry.HitCount, entry.MissCount, entry.WarmingPriority, entry.PredictionScore,
		[]byte(tagsJSON), []byte(parentsJSON), entry.SizeBytes, entry.APICost)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Touch updates last_accessed_at without altering counters.
func (b *PostgresBackend) Touch(ctx context.Context, key string, at time.Time) error {
	tag, err := b.pool.Exec(ctx,
		"UPDATE cache_entries SET last_accessed_at = $1 WHERE key = $2 AND layer = $3",
		at, key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the entry. Idempotent.
func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx,
		"DELETE FROM cache_entries WHERE key = $1 AND layer = $2",
		key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter.
func (b *PostgresBackend) List(ctx context.Context, f Filter) ([]*core.CacheEntry, error) {
	query := "SELECT " + pgEntryColumns + " FROM cache_entries WHERE layer = $1"
	args := []interface{}{string(core.LayerPersistent)}

	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	if f.Tag != "" {
		args = append(args, fmt.Sprintf(`["%s"]`, f.Tag))
		query += fmt.Sprintf(" AND invalidation_tags @> $%d", len(args))
	}
	if f.ExpiredBefore != nil {
		args = append(args, *f.ExpiredBefore)
		query += fmt.Sprintf(" AND expires_at < $%d", len(args))
	}
	if f.CreatedOnOrAfter != nil {
		args = append(args, *f.CreatedOnOrAfter)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []*core.CacheEntry
	for rows.Next() {
		entry, err := b.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entry rows: %w", err)
	}
	return out, nil
}

// RecordHit atomically increments hit_count and sets last_accessed_at.
func (b *PostgresBackend) RecordHit(ctx context.Context, key string, at time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE cache_entries
		SET hit_count = hit_count + 1, last_accessed_at = $1
		WHERE key = $2 AND layer = $3
	`, at, key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("record hit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordMiss atomically increments miss_count and sets last_accessed_at.
func (b *PostgresBackend) RecordMiss(ctx context.Context, key string, at time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE cache_entries
		SET miss_count = miss_count + 1, last_accessed_at = $1
		WHERE key = $2 AND layer = $3
	`, at, key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("record miss: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; pool lifecycle is managed by the storage layer.
func (b *PostgresBackend) Close() error { return nil }

var _ Backend = (*PostgresBackend)(nil)

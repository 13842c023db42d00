package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"geocache/internal/codec"
	"geocache/internal/core"
)

// SQLiteBackend stores the persistent layer in SQLite. Hit/miss counters
// are incremented with single UPDATE statements so concurrent readers
// never lose updates.
type SQLiteBackend struct {
	db    *sql.DB
	codec *codec.Codec
}

// NewSQLiteBackend creates the cache_entries table and indexes if needed.
func NewSQLiteBackend(db *sql.DB, c *codec.Codec) (*SQLiteBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if c == nil {
		c = codec.New(0)
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT NOT NULL,
			layer TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			miss_count INTEGER NOT NULL DEFAULT 0,
			warming_priority INTEGER NOT NULL DEFAULT 0,
			prediction_score REAL NOT NULL DEFAULT 0,
			invalidation_tags TEXT NOT NULL DEFAULT '[]',
			parent_keys TEXT NOT NULL DEFAULT '[]',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			api_cost REAL NOT NULL DEFAULT 0,
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
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteBackend{db: db, codec: c}, nil
}

// Layer returns core.LayerPersistent.
func (b *SQLiteBackend) Layer() core.Layer { return core.LayerPersistent }

const entryColumns = `key, layer, type, payload, metadata, created_at, expires_at,
	ttl_seconds, last_accessed_at, hit_count, miss_count, warming_priority,
	prediction_score, invalidation_tags, parent_keys, size_bytes, api_cost`

// Get returns the entry for key, or ErrNotFound.
func (b *SQLiteBackend) Get(ctx context.Context, key string) (*core.CacheEntry, error) {
	row := b.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM cache_entries WHERE key = ? AND layer = ?",
		key, string(core.LayerPersistent))
	return b.scanEntry(row)
}

func (b *SQLiteBackend) scanEntry(row *sql.Row) (*core.CacheEntry, error) {
	var (
		e                    core.CacheEntry
		layer, typ           string
		metadata             sql.NullString
		created, expires     int64
		accessed             int64
		tagsJSON, parentsJSON string
		stored               []byte
	)
	err := row.Scan(&e.Key, &layer, &typ, &stored, &metadata, &created, &expires,
		&e.TTLSeconds, &accessed, &e.HitCount, &e.MissCount, &e.WarmingPriority,
		&e.PredictionScore, &tagsJSON, &parentsJSON, &e.SizeBytes, &e.APICost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	return b.buildEntry(&e, layer, typ, metadata.String, created, expires, accessed, tagsJSON, parentsJSON, stored)
}

func (b *SQLiteBackend) buildEntry(e *core.CacheEntry, layer, typ, metadata string,
	created, expires, accessed int64, tagsJSON, parentsJSON string, stored []byte) (*core.CacheEntry, error) {
	e.Layer = core.Layer(layer)
	e.Type = core.RequestType(typ)
	if metadata != "" {
		e.Metadata = json.RawMessage(metadata)
	}
	e.CreatedAt = time.Unix(created, 0).UTC()
	e.ExpiresAt = time.Unix(expires, 0).UTC()
	e.LastAccessedAt = time.Unix(accessed, 0).UTC()
	if err := json.Unmarshal([]byte(tagsJSON), &e.InvalidationTags); err != nil {
		return nil, fmt.Errorf("decode invalidation tags: %w", err)
	}
	if err := json.Unmarshal([]byte(parentsJSON), &e.ParentKeys); err != nil {
		return nil, fmt.Errorf("decode parent keys: %w", err)
	}
	payload, err := b.codec.Decode(stored)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return e, nil
}

// Put upserts the entry. The (key, layer) primary key turns concurrent
// writes for the same key into last-writer-wins updates rather than
// duplicate-key errors.
func (b *SQLiteBackend) Put(ctx context.Context, entry *core.CacheEntry) error {
	stored, err := b.codec.Encode(entry.Payload)
	if err != nil {
		return err
	}
	tagsJSON, parentsJSON, err := encodeSets(entry)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, layer) DO UPDATE SET
			type = excluded.type,
			payload = excluded.payload,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			ttl_seconds = excluded.ttl_seconds,
			last_accessed_at = excluded.last_accessed_at,
			warming_priority = excluded.warming_priority,
			prediction_score = excluded.prediction_score,
			invalidation_tags = excluded.invalidation_tags,
			parent_keys = excluded.parent_keys,
			size_bytes = excluded.size_bytes,
			api_cost = excluded.api_cost
	`, entry.Key, string(core.LayerPersistent), string(entry.Type), stored,
		nullableString(string(entry.Metadata)), entry.CreatedAt.Unix(), entry.ExpiresAt.Unix(),
		entry.TTLSeconds, entry.LastAccessedAt.Unix(), entry.HitCount, entry.MissCount,
		entry.WarmingPriority, entry.PredictionScore, tagsJSON, parentsJSON,
		entry.SizeBytes, entry.APICost)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Touch updates last_accessed_at without altering counters.
func (b *SQLiteBackend) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := b.db.ExecContext(ctx,
		"UPDATE cache_entries SET last_accessed_at = ? WHERE key = ? AND layer = ?",
		at.Unix(), key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return requireAffected(res)
}

// Delete removes the entry. Idempotent.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE key = ? AND layer = ?",
		key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter. Type and time bounds are
// pushed into SQL; tag matching happens on the decoded rows.
func (b *SQLiteBackend) List(ctx context.Context, f Filter) ([]*core.CacheEntry, error) {
	query := "SELECT " + entryColumns + " FROM cache_entries WHERE layer = ?"
	args := []interface{}{string(core.LayerPersistent)}

	if len(f.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")
		query += " AND type IN (" + placeholders + ")"
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.ExpiredBefore != nil {
		query += " AND expires_at < ?"
		args = append(args, f.ExpiredBefore.Unix())
	}
	if f.CreatedOnOrAfter != nil {
		query += " AND created_at >= ?"
		args = append(args, f.CreatedOnOrAfter.Unix())
	}
	if f.CreatedBefore != nil {
		query += " AND created_at < ?"
		args = append(args, f.CreatedBefore.Unix())
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []*core.CacheEntry
	for rows.Next() {
		var (
			e                     core.CacheEntry
			layer, typ            string
			metadata              sql.NullString
			created, expires      int64
			accessed              int64
			tagsJSON, parentsJSON string
			stored                []byte
		)
		if err := rows.Scan(&e.Key, &layer, &typ, &stored, &metadata, &created, &expires,
			&e.TTLSeconds, &accessed, &e.HitCount, &e.MissCount, &e.WarmingPriority,
			&e.PredictionScore, &tagsJSON, &parentsJSON, &e.SizeBytes, &e.APICost); err != nil {
			return nil, fmt.Errorf("scan cache entry row: %w", err)
		}
		entry, err := b.buildEntry(&e, layer, typ, metadata.String, created, expires, accessed, tagsJSON, parentsJSON, stored)
		if err != nil {
			return nil, err
		}
		if f.Tag == "" || entry.HasTag(f.Tag) {
			out = append(out, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entry rows: %w", err)
	}
	return out, nil
}

// RecordHit atomically increments hit_count and sets last_accessed_at.
func (b *SQLiteBackend) RecordHit(ctx context.Context, key string, at time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE key = ? AND layer = ?
	`, at.Unix(), key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("record hit: %w", err)
	}
	return requireAffected(res)
}

// RecordMiss atomically increments miss_count and sets last_accessed_at.
func (b *SQLiteBackend) RecordMiss(ctx context.Context, key string, at time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET miss_count = miss_count + 1, last_accessed_at = ?
		WHERE key = ? AND layer = ?
	`, at.Unix(), key, string(core.LayerPersistent))
	if err != nil {
		return fmt.Errorf("record miss: %w", err)
	}
	return requireAffected(res)
}

// Close is a no-op; DB lifecycle is managed by the storage layer.
func (b *SQLiteBackend) Close() error { return nil }

func encodeSets(entry *core.CacheEntry) (tagsJSON, parentsJSON string, err error) {
	tags := entry.InvalidationTags
	if tags == nil {
		tags = []string{}
	}
	parents := entry.ParentKeys
	if parents == nil {
		parents = []string{}
	}
	tb, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("encode invalidation tags: %w", err)
	}
	pb, err := json.Marshal(parents)
	if err != nil {
		return "", "", fmt.Errorf("encode parent keys: %w", err)
	}
	return string(tb), string(pb), nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)

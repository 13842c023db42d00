package invalidation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"geocache/internal/core"
)

// SQLiteRecordStore stores invalidation records in SQLite.
type SQLiteRecordStore struct {
	db *sql.DB
}

// NewSQLiteRecordStore creates the invalidation_records table if needed.
func NewSQLiteRecordStore(db *sql.DB) (*SQLiteRecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invalidation_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cache_key TEXT NOT NULL,
			strategy TEXT NOT NULL,
			reason TEXT NOT NULL,
			invalidated_at INTEGER NOT NULL,
			type TEXT NOT NULL,
			age_seconds INTEGER NOT NULL,
			hit_count INTEGER NOT NULL,
			replacement_created INTEGER NOT NULL DEFAULT 0,
			replacement_created_at INTEGER
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteRecordStore{db: db}, nil
}

// Append writes one record.
func (s *SQLiteRecordStore) Append(ctx context.Context, rec *core.InvalidationRecord) error {
	var replacementAt interface{}
	if rec.ReplacementCreatedAt != nil {
		replacementAt = rec.ReplacementCreatedAt.Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO invalidation_records
			(cache_key, strategy, reason, invalidated_at, type, age_seconds,
			 hit_count, replacement_created, replacement_created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.CacheKey, string(rec.Strategy), rec.Reason, rec.InvalidatedAt.Unix(),
		string(rec.Type), rec.AgeSeconds, rec.HitCount, boolToInt(rec.ReplacementCreated), replacementAt)
	if err != nil {
		return fmt.Errorf("insert invalidation record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// List returns the most recent records, newest first.
func (s *SQLiteRecordStore) List(ctx context.Context, limit int) ([]*core.InvalidationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cache_key, strategy, reason, invalidated_at, type,
		       age_seconds, hit_count, replacement_created, replacement_created_at
		FROM invalidation_records
		ORDER BY invalidated_at DESC, id DESC
		LIMIT ?
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
			at            int64
			replCreated   int
			replAt        sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.CacheKey, &strategy, &rec.Reason, &at, &typ,
			&rec.AgeSeconds, &rec.HitCount, &replCreated, &replAt); err != nil {
			return nil, fmt.Errorf("scan invalidation record: %w", err)
		}
		rec.Strategy = core.InvalidationStrategy(strategy)
		rec.Type = core.RequestType(typ)
		rec.InvalidatedAt = time.Unix(at, 0).UTC()
		rec.ReplacementCreated = replCreated != 0
		if replAt.Valid {
			t := time.Unix(replAt.Int64, 0).UTC()
			rec.ReplacementCreatedAt = &t
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invalidation records: %w", err)
	}
	return out, nil
}

// CountSince returns how many records carry the strategy since the cutoff.
func (s *SQLiteRecordStore) CountSince(ctx context.Context, strategy core.InvalidationStrategy, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invalidation_records
		WHERE strategy = ? AND invalidated_at >= ?
	`, string(strategy), since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count invalidation records: %w", err)
	}
	return n, nil
}

// PurgeOlderThan deletes records past the retention window.
func (s *SQLiteRecordStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM invalidation_records WHERE invalidated_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge invalidation records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read purge rows affected: %w", err)
	}
	return n, nil
}

// Close is a no-op; DB lifecycle is managed by the storage layer.
func (s *SQLiteRecordStore) Close() error { return nil }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ RecordStore = (*SQLiteRecordStore)(nil)

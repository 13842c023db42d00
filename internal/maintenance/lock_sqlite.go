package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteLockStore implements the advisory lock on SQLite. The takeover
// of an expired lock happens inside the upsert's WHERE clause, so two
// processes racing for a stale lock cannot both win.
type SQLiteLockStore struct {
	db *sql.DB
}

// NewSQLiteLockStore creates the maintenance_locks table if needed.
func NewSQLiteLockStore(db *sql.DB) (*SQLiteLockStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS maintenance_locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create maintenance_locks table: %w", err)
	}
	return &SQLiteLockStore{db: db}, nil
}

// Acquire takes the lock when it is free or expired.
func (s *SQLiteLockStore) Acquire(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_locks (name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE maintenance_locks.expires_at < excluded.acquired_at
			OR maintenance_locks.owner = excluded.owner
	`, name, owner, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return false, fmt.Errorf("acquire maintenance lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected: %w", err)
	}
	return n > 0, nil
}

// Release frees the lock if owner still holds it. Losing a lock to a
// takeover and then releasing is a no-op, not an error.
func (s *SQLiteLockStore) Release(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM maintenance_locks WHERE name = ? AND owner = ?", name, owner)
	if err != nil {
		return fmt.Errorf("release maintenance lock: %w", err)
	}
	return nil
}

var _ LockStore = (*SQLiteLockStore)(nil)

package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLockStore implements the advisory lock on PostgreSQL.
type PostgresLockStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLockStore creates the maintenance_locks table if needed.
func NewPostgresLockStore(pool *pgxpool.Pool) (*PostgresLockStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	_, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS maintenance_locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create maintenance_locks table: %w", err)
	}
	return &PostgresLockStore{pool: pool}, nil
}

// Acquire takes the lock when it is free or expired.
func (s *PostgresLockStore) Acquire(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO maintenance_locks (name, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE maintenance_locks.expires_at < EXCLUDED.acquired_at
			OR maintenance_locks.owner = EXCLUDED.owner
	`, name, owner, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire maintenance lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release frees the lock if owner still holds it.
func (s *PostgresLockStore) Release(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM maintenance_locks WHERE name = $1 AND owner = $2", name, owner)
	if err != nil {
		return fmt.Errorf("release maintenance lock: %w", err)
	}
	return nil
}

var _ LockStore = (*PostgresLockStore)(nil)

// Package invalidation evaluates the invalidation strategies each
// maintenance pass and retires stale cache entries. Every retirement is
// preceded by an append-only InvalidationRecord capturing the entry's age
// and hit count at that moment.
package invalidation

import (
	"context"
	"time"

	"geocache/internal/core"
)

// RecordStore persists invalidation records. Records are write-once:
// implementations provide no update path.
type RecordStore interface {
	// Append writes one record. Called before the entry is deleted so the
	// audit trail survives even if the delete fails.
	Append(ctx context.Context, rec *core.InvalidationRecord) error

	// List returns the most recent records, newest first.
	List(ctx context.Context, limit int) ([]*core.InvalidationRecord, error)

	// CountSince returns how many records carry the given strategy since
	// the cutoff. Used by the pass summary and tests.
	CountSince(ctx context.Context, strategy core.InvalidationStrategy, since time.Time) (int64, error)

	// PurgeOlderThan deletes records past the retention window and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

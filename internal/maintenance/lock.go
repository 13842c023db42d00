package maintenance

import (
	"context"
	"time"
)

// LockStore is the advisory lock that keeps concurrent maintenance
// passes from overlapping. A lock is held until released or until its
// expiry passes, at which point another owner may take it over.
type LockStore interface {
	// Acquire attempts to take the named lock for owner until now+ttl.
	// It returns false when another owner holds an unexpired lock.
	Acquire(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)

	// Release frees the named lock if owner still holds it.
	Release(ctx context.Context, name, owner string) error
}

// Package warming maintains the queue of predictive cache warm-ups and
// the executor that drains it against the upstream provider.
package warming

import (
	"context"
	"time"

	"geocache/internal/core"
)

// Queue is the persistent warming job store. Claims are atomic: a job
// moves pending -> processing for exactly one owner even when several
// executors poll the same table.
type Queue interface {
	// Enqueue persists a new pending job, assigning its ID and filling
	// defaults (status, max attempts, execute_after).
	Enqueue(ctx context.Context, job *core.WarmingJob) error

	// Job loads one job by ID.
	Job(ctx context.Context, id int64) (*core.WarmingJob, error)

	// Claim atomically moves up to limit eligible jobs to processing on
	// behalf of owner and returns them, best first. A job is eligible when
	// it is pending, its execute_after has passed, attempts remain, and
	// every dependency has completed. Jobs whose dependency terminally
	// failed or was cancelled are cancelled in the same sweep rather than
	// claimed. The attempt counter is incremented by the claim.
	Claim(ctx context.Context, owner string, now time.Time, limit int) ([]*core.WarmingJob, error)

	// Complete marks a processing job owned by owner as completed.
	Complete(ctx context.Context, id int64, owner string, at time.Time) error

	// Fail records a failed attempt for a processing job owned by owner.
	// While attempts remain the job returns to pending with execute_after
	// set to retryAt; once exhausted it becomes terminally failed.
	Fail(ctx context.Context, id int64, owner string, message string, retryAt, at time.Time) error

	// Defer returns a processing job owned by owner to pending without
	// consuming the attempt, to run no earlier than until. Used when the
	// call budget is exhausted and the work itself never started.
	Defer(ctx context.Context, id int64, owner string, until time.Time) error

	// Cancel moves a non-terminal job to cancelled.
	Cancel(ctx context.Context, id int64, reason string, at time.Time) error

	// RequeueStale returns processing jobs claimed before cutoff to
	// pending, so work lost to a crashed executor is retried.
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)

	// List returns jobs in the given status, best first, up to limit.
	// An empty status lists every job.
	List(ctx context.Context, status core.JobStatus, limit int) ([]*core.WarmingJob, error)

	// Counts reports the number of jobs per status.
	Counts(ctx context.Context) (map[core.JobStatus]int64, error)

	// PurgeTerminalBefore deletes terminal jobs processed before cutoff.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// applyEnqueueDefaults normalizes a job before insertion. defaultMax
// caps attempts for jobs that carry none; zero falls back to
// core.DefaultMaxAttempts.
func applyEnqueueDefaults(job *core.WarmingJob, now time.Time, defaultMax int) error {
	if job.CacheKey == "" {
		return core.NewValidationError("warming.enqueue", "cache key is required")
	}
	if !job.Type.Valid() {
		return core.NewValidationError("warming.enqueue", "unknown request type "+string(job.Type))
	}
	if job.Priority < 1 {
		job.Priority = 1
	}
	if job.MaxAttempts <= 0 {
		if defaultMax <= 0 {
			defaultMax = core.DefaultMaxAttempts
		}
		job.MaxAttempts = defaultMax
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	if job.ExecuteAfter.IsZero() {
		job.ExecuteAfter = job.ScheduledAt
	}
	job.Status = core.JobPending
	job.Attempts = 0
	return nil
}

package warming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geocache/internal/core"
)

// PostgresQueue persists warming jobs in PostgreSQL.
type PostgresQueue struct {
	pool *pgxpool.Pool

	// DefaultMaxAttempts caps attempts for enqueued jobs that carry
	// none. Zero means core.DefaultMaxAttempts.
	DefaultMaxAttempts int
}

// NewPostgresQueue creates the warming_jobs table and indexes if needed.
func NewPostgresQueue(pool *pgxpool.Pool) (*PostgresQueue, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS warming_jobs (
			id BIGSERIAL PRIMARY KEY,
			cache_key TEXT NOT NULL,
			type TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			request_params JSONB,
			estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			expected_usage_count INTEGER NOT NULL DEFAULT 0,
			scheduled_at TIMESTAMPTZ NOT NULL,
			execute_after TIMESTAMPTZ NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT,
			processed_at TIMESTAMPTZ,
			claim_owner TEXT NOT NULL DEFAULT '',
			claimed_at TIMESTAMPTZ,
			depends_on JSONB NOT NULL DEFAULT '[]'
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create warming_jobs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_warming_jobs_status_execute_after ON warming_jobs(status, execute_after)",
		"CREATE INDEX IF NOT EXISTS idx_warming_jobs_priority_scheduled_at ON warming_jobs(priority, scheduled_at)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return &PostgresQueue{pool: pool}, nil
}

const pgJobColumns = `id, cache_key, type, priority, request_params, estimated_cost,
	expected_usage_count, scheduled_at, execute_after, attempts, max_attempts,
	status, error_message, processed_at, claim_owner, claimed_at, depends_on`

// Enqueue inserts a new pending job and sets job.ID.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *core.WarmingJob) error {
	if err := applyEnqueueDefaults(job, time.Now().UTC(), q.DefaultMaxAttempts); err != nil {
		return err
	}
	depsJSON, err := encodeDeps(job.DependsOn)
	if err != nil {
		return err
	}

	var params interface{}
	if len(job.RequestParams) > 0 {
		params = string(job.RequestParams)
	}
	err = q.pool.QueryRow(ctx, `
		INSERT INTO warming_jobs (cache_key, type, priority, request_params,
			estimated_cost, expected_usage_count, scheduled_at, execute_after,
			attempts, max_attempts, status, depends_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)
		RETURNING id
	`, job.CacheKey, string(job.Type), job.Priority, params,
		job.EstimatedCost, job.ExpectedUsageCount, job.ScheduledAt,
		job.ExecuteAfter, job.MaxAttempts, string(core.JobPending), depsJSON).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("enqueue warming job: %w", err)
	}
	return nil
}

// Job loads one job by ID.
func (q *PostgresQueue) Job(ctx context.Context, id int64) (*core.WarmingJob, error) {
	rows, err := q.pool.Query(ctx,
		"SELECT "+pgJobColumns+" FROM warming_jobs WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("query warming job: %w", err)
	}
	jobs, err := scanPgJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

// Claim moves eligible jobs to processing for owner.
func (q *PostgresQueue) Claim(ctx context.Context, owner string, now time.Time, limit int) ([]*core.WarmingJob, error) {
	limit = normalizeLimit(limit)

	rows, err := q.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM warming_jobs
		WHERE status = $1 AND execute_after <= $2 AND attempts < max_attempts
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $3
	`, string(core.JobPending), now, limit*2)
	if err != nil {
		return nil, fmt.Errorf("query claim candidates: %w", err)
	}
	candidates, err := scanPgJobs(rows)
	if err != nil {
		return nil, err
	}

	var claimed []*core.WarmingJob
	for _, job := range candidates {
		if len(claimed) >= limit {
			break
		}
		ready, dead, err := q.dependencyState(ctx, job)
		if err != nil {
			return claimed, err
		}
		if dead != 0 {
			if err := q.Cancel(ctx, job.ID, fmt.Sprintf("dependency %d did not complete", dead), now); err != nil && !errors.Is(err, ErrNotFound) {
				return claimed, err
			}
			continue
		}
		if !ready {
			continue
		}

		tag, err := q.pool.Exec(ctx, `
			UPDATE warming_jobs
			SET status = $1, claim_owner = $2, claimed_at = $3, attempts = attempts + 1
			WHERE id = $4 AND status = $5
		`, string(core.JobProcessing), owner, now, job.ID, string(core.JobPending))
		if err != nil {
			return claimed, fmt.Errorf("claim warming job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		job.Status = core.JobProcessing
		job.ClaimOwner = owner
		t := now
		job.ClaimedAt = &t
		job.Attempts++
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (q *PostgresQueue) dependencyState(ctx context.Context, job *core.WarmingJob) (ready bool, dead int64, err error) {
	for _, depID := range job.DependsOn {
		dep, err := q.Job(ctx, depID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, 0, err
		}
		switch dep.Status {
		case core.JobCompleted:
		case core.JobFailed, core.JobCancelled:
			return false, dep.ID, nil
		default:
			return false, 0, nil
		}
	}
	return true, 0, nil
}

// Complete marks a processing job owned by owner as completed.
func (q *PostgresQueue) Complete(ctx context.Context, id int64, owner string, at time.Time) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE warming_jobs
		SET status = $1, processed_at = $2, error_message = NULL, claim_owner = '', claimed_at = NULL
		WHERE id = $3 AND claim_owner = $4 AND status = $5
	`, string(core.JobCompleted), at, id, owner, string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("complete warming job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewConcurrencyError("warming.queue",
			fmt.Sprintf("job %d", id), "claim no longer held by "+owner)
	}
	return nil
}

// Fail records a failed attempt, retrying or terminally failing in one
// guarded statement.
func (q *PostgresQueue) Fail(ctx context.Context, id int64, owner string, message string, retryAt, at time.Time) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE warming_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			error_message = $3,
			execute_after = $4,
			processed_at = CASE WHEN attempts >= max_attempts THEN $5 ELSE processed_at END,
			claim_owner = '', claimed_at = NULL
		WHERE id = $6 AND claim_owner = $7 AND status = $8
	`, string(core.JobFailed), string(core.JobPending), message, retryAt,
		at, id, owner, string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("fail warming job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewConcurrencyError("warming.queue",
			fmt.Sprintf("job %d", id), "claim no longer held by "+owner)
	}
	return nil
}

// Defer returns a processing job to pending without consuming the
// attempt the claim charged.
func (q *PostgresQueue) Defer(ctx context.Context, id int64, owner string, until time.Time) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE warming_jobs
		SET status = $1, execute_after = $2, attempts = attempts - 1, claim_owner = '', claimed_at = NULL
		WHERE id = $3 AND claim_owner = $4 AND status = $5
	`, string(core.JobPending), until, id, owner, string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("defer warming job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewConcurrencyError("warming.queue",
			fmt.Sprintf("job %d", id), "claim no longer held by "+owner)
	}
	return nil
}

// Cancel moves a non-terminal job to cancelled.
func (q *PostgresQueue) Cancel(ctx context.Context, id int64, reason string, at time.Time) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE warming_jobs
		SET status = $1, error_message = $2, processed_at = $3, claim_owner = '', claimed_at = NULL
		WHERE id = $4 AND status IN ($5, $6)
	`, string(core.JobCancelled), reason, at, id,
		string(core.JobPending), string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("cancel warming job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStale returns processing jobs claimed before cutoff to pending.
func (q *PostgresQueue) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE warming_jobs
		SET status = $1, claim_owner = '', claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3
	`, string(core.JobPending), string(core.JobProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale warming jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns jobs in the given status, best first.
func (q *PostgresQueue) List(ctx context.Context, status core.JobStatus, limit int) ([]*core.WarmingJob, error) {
	limit = normalizeLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = q.pool.Query(ctx,
			"SELECT "+pgJobColumns+" FROM warming_jobs WHERE status = $1 ORDER BY priority ASC, scheduled_at ASC LIMIT $2",
			string(status), limit)
	} else {
		rows, err = q.pool.Query(ctx,
			"SELECT "+pgJobColumns+" FROM warming_jobs ORDER BY priority ASC, scheduled_at ASC LIMIT $1",
			limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list warming jobs: %w", err)
	}
	return scanPgJobs(rows)
}

// Counts reports the number of jobs per status.
func (q *PostgresQueue) Counts(ctx context.Context) (map[core.JobStatus]int64, error) {
	rows, err := q.pool.Query(ctx,
		"SELECT status, COUNT(*) FROM warming_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count warming jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[core.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// PurgeTerminalBefore deletes terminal jobs processed before cutoff.
func (q *PostgresQueue) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM warming_jobs
		WHERE status IN ($1, $2, $3) AND processed_at IS NOT NULL AND processed_at < $4
	`, string(core.JobCompleted), string(core.JobFailed), string(core.JobCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge warming jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; pool lifecycle is managed by the storage layer.
func (q *PostgresQueue) Close() error { return nil }

func scanPgJobs(rows pgx.Rows) ([]*core.WarmingJob, error) {
	defer rows.Close()
	var out []*core.WarmingJob
	for rows.Next() {
		var (
			j                    core.WarmingJob
			typ, status          string
			params, errMsg       *string
			processed, claimedAt *time.Time
			depsJSON             []byte
		)
		if err := rows.Scan(&j.ID, &j.CacheKey, &typ, &j.Priority, &params,
			&j.EstimatedCost, &j.ExpectedUsageCount, &j.ScheduledAt, &j.ExecuteAfter,
			&j.Attempts, &j.MaxAttempts, &status, &errMsg, &processed,
			&j.ClaimOwner, &claimedAt, &depsJSON); err != nil {
			return nil, fmt.Errorf("scan warming job row: %w", err)
		}
		j.Type = core.RequestType(typ)
		j.Status = core.JobStatus(status)
		if params != nil {
			j.RequestParams = json.RawMessage(*params)
		}
		if errMsg != nil {
			j.ErrorMessage = *errMsg
		}
		j.ScheduledAt = j.ScheduledAt.UTC()
		j.ExecuteAfter = j.ExecuteAfter.UTC()
		if processed != nil {
			t := processed.UTC()
			j.ProcessedAt = &t
		}
		if claimedAt != nil {
			t := claimedAt.UTC()
			j.ClaimedAt = &t
		}
		if err := json.Unmarshal(depsJSON, &j.DependsOn); err != nil {
			return nil, fmt.Errorf("decode job dependencies: %w", err)
		}
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warming job rows: %w", err)
	}
	return out, nil
}

var _ Queue = (*PostgresQueue)(nil)

package warming

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"geocache/internal/core"
)

// ErrNotFound is returned when a job ID does not exist.
var ErrNotFound = errors.New("warming job not found")

// SQLiteQueue persists warming jobs in SQLite. Claims rely on the rows-
// affected count of a conditional UPDATE, so two executors polling the
// same table never process the same job.
type SQLiteQueue struct {
	db *sql.DB

	// DefaultMaxAttempts caps attempts for enqueued jobs that carry
	// none. Zero means core.DefaultMaxAttempts.
	DefaultMaxAttempts int
}

// NewSQLiteQueue creates the warming_jobs table and indexes if needed.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS warming_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cache_key TEXT NOT NULL,
			type TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			request_params TEXT,
			estimated_cost REAL NOT NULL DEFAULT 0,
			expected_usage_count INTEGER NOT NULL DEFAULT 0,
			scheduled_at INTEGER NOT NULL,
			execute_after INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT,
			processed_at INTEGER,
			claim_owner TEXT NOT NULL DEFAULT '',
			claimed_at INTEGER,
			depends_on TEXT NOT NULL DEFAULT '[]'
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteQueue{db: db}, nil
}

const jobColumns = `id, cache_key, type, priority, request_params, estimated_cost,
	expected_usage_count, scheduled_at, execute_after, attempts, max_attempts,
	status, error_message, processed_at, claim_owner, claimed_at, depends_on`

// Enqueue inserts a new pending job and sets job.ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job *core.WarmingJob) error {
	if err := applyEnqueueDefaults(job, time.Now().UTC(), q.DefaultMaxAttempts); err != nil {
		return err
	}
	depsJSON, err := encodeDeps(job.DependsOn)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO warming_jobs (cache_key, type, priority, request_params,
			estimated_cost, expected_usage_count, scheduled_at, execute_after,
			attempts, max_attempts, status, depends_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, job.CacheKey, string(job.Type), job.Priority, nullRaw(job.RequestParams),
		job.EstimatedCost, job.ExpectedUsageCount, job.ScheduledAt.Unix(),
		job.ExecuteAfter.Unix(), job.MaxAttempts, string(core.JobPending), depsJSON)
	if err != nil {
		return fmt.Errorf("enqueue warming job: %w", err)
	}
	job.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read job id: %w", err)
	}
	return nil
}

// Job loads one job by ID.
func (q *SQLiteQueue) Job(ctx context.Context, id int64) (*core.WarmingJob, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM warming_jobs WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("query warming job: %w", err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

// Claim moves eligible jobs to processing for owner. Candidates are read
// best first and claimed one at a time with a conditional UPDATE; a row
// the race lost is simply skipped.
func (q *SQLiteQueue) Claim(ctx context.Context, owner string, now time.Time, limit int) ([]*core.WarmingJob, error) {
	limit = normalizeLimit(limit)

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM warming_jobs
		WHERE status = ? AND execute_after <= ? AND attempts < max_attempts
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT ?
	`, string(core.JobPending), now.Unix(), limit*2)
	if err != nil {
		return nil, fmt.Errorf("query claim candidates: %w", err)
	}
	candidates, err := scanJobs(rows)
	rows.Close()
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

		res, err := q.db.ExecContext(ctx, `
			UPDATE warming_jobs
			SET status = ?, claim_owner = ?, claimed_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = ?
		`, string(core.JobProcessing), owner, now.Unix(), job.ID, string(core.JobPending))
		if err != nil {
			return claimed, fmt.Errorf("claim warming job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("read rows affected: %w", err)
		}
		if n == 0 {
			continue // another executor won the row
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

// dependencyState reports whether every dependency completed, or the ID
// of a dependency that terminally failed or was cancelled.
func (q *SQLiteQueue) dependencyState(ctx context.Context, job *core.WarmingJob) (ready bool, dead int64, err error) {
	for _, depID := range job.DependsOn {
		dep, err := q.Job(ctx, depID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// A purged dependency is treated as completed.
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
func (q *SQLiteQueue) Complete(ctx context.Context, id int64, owner string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE warming_jobs
		SET status = ?, processed_at = ?, error_message = NULL, claim_owner = '', claimed_at = NULL
		WHERE id = ? AND claim_owner = ? AND status = ?
	`, string(core.JobCompleted), at.Unix(), id, owner, string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("complete warming job: %w", err)
	}
	return requireClaim(res, id, owner)
}

// Fail records a failed attempt. The CASE keeps the decision between
// retry and terminal failure inside the same guarded statement.
func (q *SQLiteQueue) Fail(ctx context.Context, id int64, owner string, message string, retryAt, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE warming_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
			error_message = ?,
			execute_after = ?,
			processed_at = CASE WHEN attempts >= max_attempts THEN ? ELSE processed_at END,
			claim_owner = '', claimed_at = NULL
		WHERE id = ? AND claim_owner = ? AND status = ?
	`, string(core.JobFailed), string(core.JobPending), message, retryAt.Unix(),
		at.Unix(), id, owner, string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("fail warming job: %w", err)
	}
	return requireClaim(res, id, owner)
}

// Defer returns a processing job to pending without consuming the
// attempt the claim charged.
func (q *SQLiteQueue) Defer(ctx context.Context, id int64, owner string, until time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE warming_jobs
		SET status = ?, execute_after = ?, attempts = attempts - 1, claim_owner = '', claimed_at = NULL
		WHERE id = ? AND claim_owner = ? AND status = ?
	`, string(core.JobPending), until.Unix(), id, owner, string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("defer warming job: %w", err)
	}
	return requireClaim(res, id, owner)
}

// Cancel moves a non-terminal job to cancelled.
func (q *SQLiteQueue) Cancel(ctx context.Context, id int64, reason string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE warming_jobs
		SET status = ?, error_message = ?, processed_at = ?, claim_owner = '', claimed_at = NULL
		WHERE id = ? AND status IN (?, ?)
	`, string(core.JobCancelled), reason, at.Unix(), id,
		string(core.JobPending), string(core.JobProcessing))
	if err != nil {
		return fmt.Errorf("cancel warming job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStale returns processing jobs claimed before cutoff to pending.
func (q *SQLiteQueue) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE warming_jobs
		SET status = ?, claim_owner = '', claimed_at = NULL
		WHERE status = ? AND claimed_at < ?
	`, string(core.JobPending), string(core.JobProcessing), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("requeue stale warming jobs: %w", err)
	}
	return res.RowsAffected()
}

// List returns jobs in the given status, best first.
func (q *SQLiteQueue) List(ctx context.Context, status core.JobStatus, limit int) ([]*core.WarmingJob, error) {
	limit = normalizeLimit(limit)
	query := "SELECT " + jobColumns + " FROM warming_jobs"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY priority ASC, scheduled_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list warming jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Counts reports the number of jobs per status.
func (q *SQLiteQueue) Counts(ctx context.Context) (map[core.JobStatus]int64, error) {
	rows, err := q.db.QueryContext(ctx,
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
func (q *SQLiteQueue) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM warming_jobs
		WHERE status IN (?, ?, ?) AND processed_at IS NOT NULL AND processed_at < ?
	`, string(core.JobCompleted), string(core.JobFailed), string(core.JobCancelled), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge warming jobs: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; DB lifecycle is managed by the storage layer.
func (q *SQLiteQueue) Close() error { return nil }

func scanJobs(rows *sql.Rows) ([]*core.WarmingJob, error) {
	var out []*core.WarmingJob
	for rows.Next() {
		var (
			j                    core.WarmingJob
			typ, status          string
			params, errMsg       sql.NullString
			scheduled, execAfter int64
			processed, claimedAt sql.NullInt64
			depsJSON             string
		)
		if err := rows.Scan(&j.ID, &j.CacheKey, &typ, &j.Priority, &params,
			&j.EstimatedCost, &j.ExpectedUsageCount, &scheduled, &execAfter,
			&j.Attempts, &j.MaxAttempts, &status, &errMsg, &processed,
			&j.ClaimOwner, &claimedAt, &depsJSON); err != nil {
			return nil, fmt.Errorf("scan warming job row: %w", err)
		}
		j.Type = core.RequestType(typ)
		j.Status = core.JobStatus(status)
		if params.Valid {
			j.RequestParams = json.RawMessage(params.String)
		}
		j.ErrorMessage = errMsg.String
		j.ScheduledAt = time.Unix(scheduled, 0).UTC()
		j.ExecuteAfter = time.Unix(execAfter, 0).UTC()
		if processed.Valid {
			t := time.Unix(processed.Int64, 0).UTC()
			j.ProcessedAt = &t
		}
		if claimedAt.Valid {
			t := time.Unix(claimedAt.Int64, 0).UTC()
			j.ClaimedAt = &t
		}
		if err := json.Unmarshal([]byte(depsJSON), &j.DependsOn); err != nil {
			return nil, fmt.Errorf("decode job dependencies: %w", err)
		}
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warming job rows: %w", err)
	}
	return out, nil
}

func encodeDeps(deps []int64) (string, error) {
	if deps == nil {
		deps = []int64{}
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("encode job dependencies: %w", err)
	}
	return string(b), nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

// requireClaim converts a zero rows-affected result into a concurrency
// error: someone else owns the job or it already left processing.
func requireClaim(res sql.Result, id int64, owner string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n == 0 {
		return core.NewConcurrencyError("warming.queue",
			fmt.Sprintf("job %d", id), "claim no longer held by "+owner)
	}
	return nil
}

var _ Queue = (*SQLiteQueue)(nil)

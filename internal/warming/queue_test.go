package warming

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"geocache/internal/core"
)

func newTestQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	return q
}

func enqueue(t *testing.T, q Queue, job *core.WarmingJob) *core.WarmingJob {
	t.Helper()
	if job.Type == "" {
		job.Type = core.TypeRoute
	}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func TestEnqueueDefaults(t *testing.T) {
	q := newTestQueue(t)
	job := enqueue(t, q, &core.WarmingJob{CacheKey: "route:abc"})

	if job.ID == 0 {
		t.Fatal("ID not assigned")
	}
	got, err := q.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != core.JobPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.MaxAttempts != core.DefaultMaxAttempts {
		t.Fatalf("max attempts = %d, want %d", got.MaxAttempts, core.DefaultMaxAttempts)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", got.Attempts)
	}
}

func TestEnqueueUsesConfiguredMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	q.DefaultMaxAttempts = 5

	job := enqueue(t, q, &core.WarmingJob{CacheKey: "route:abc"})
	got, err := q.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d, want 5", got.MaxAttempts)
	}

	// A job that names its own cap keeps it.
	explicit := enqueue(t, q, &core.WarmingJob{CacheKey: "route:def", MaxAttempts: 7})
	got, err = q.Job(context.Background(), explicit.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d, want 7", got.MaxAttempts)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(context.Background(), &core.WarmingJob{Type: core.TypeRoute}); !core.IsKind(err, core.KindValidation) {
		t.Fatalf("missing key: got %v, want validation error", err)
	}
	if err := q.Enqueue(context.Background(), &core.WarmingJob{CacheKey: "k", Type: "bogus"}); !core.IsKind(err, core.KindValidation) {
		t.Fatalf("bad type: got %v, want validation error", err)
	}
}

func TestClaimOrdersAndIsExclusive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := enqueue(t, q, &core.WarmingJob{CacheKey: "route:low", Priority: 5, ScheduledAt: now.Add(-time.Hour)})
	high := enqueue(t, q, &core.WarmingJob{CacheKey: "route:high", Priority: 1, ScheduledAt: now.Add(-time.Minute)})

	claimed, err := q.Claim(ctx, "owner-a", now, 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != high.ID {
		t.Fatalf("claimed %+v, want the priority-1 job", claimed)
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("attempts = %d after claim, want 1", claimed[0].Attempts)
	}

	// The other owner only sees the remaining job.
	claimed, err = q.Claim(ctx, "owner-b", now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != low.ID {
		t.Fatalf("second claim got %+v, want only the unclaimed job", claimed)
	}
}

func TestClaimRespectsExecuteAfter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueue(t, q, &core.WarmingJob{CacheKey: "route:later", ExecuteAfter: now.Add(time.Hour), ScheduledAt: now})

	claimed, err := q.Claim(ctx, "owner", now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d jobs before execute_after, want 0", len(claimed))
	}

	claimed, err = q.Claim(ctx, "owner", now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs after execute_after, want 1", len(claimed))
	}
}

func TestDependencyGating(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dep := enqueue(t, q, &core.WarmingJob{CacheKey: "geocode:origin", Type: core.TypeGeocode, ScheduledAt: now.Add(-time.Minute)})
	child := enqueue(t, q, &core.WarmingJob{CacheKey: "route:from-origin", ScheduledAt: now, DependsOn: []int64{dep.ID}})

	// Dependency still pending: only the dependency is claimable.
	claimed, err := q.Claim(ctx, "owner", now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != dep.ID {
		t.Fatalf("claimed %+v, want only the dependency", claimed)
	}

	if err := q.Complete(ctx, dep.ID, "owner", now); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	claimed, err = q.Claim(ctx, "owner", now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != child.ID {
		t.Fatalf("claimed %+v, want the dependent job", claimed)
	}
}

func TestDependencyFailureCancelsDependent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dep := enqueue(t, q, &core.WarmingJob{CacheKey: "geocode:origin", Type: core.TypeGeocode, MaxAttempts: 1, ScheduledAt: now.Add(-time.Minute)})
	child := enqueue(t, q, &core.WarmingJob{CacheKey: "route:from-origin", ScheduledAt: now, DependsOn: []int64{dep.ID}})

	claimed, err := q.Claim(ctx, "owner", now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d, want 1", len(claimed))
	}
	if err := q.Fail(ctx, dep.ID, "owner", "provider unreachable", now, now); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := q.Job(ctx, dep.ID)
	if got.Status != core.JobFailed {
		t.Fatalf("dependency status = %s, want failed", got.Status)
	}

	// The sweep that would have claimed the child cancels it instead.
	claimed, err = q.Claim(ctx, "owner", now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d, want 0", len(claimed))
	}
	got, err = q.Job(ctx, child.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != core.JobCancelled {
		t.Fatalf("dependent status = %s, want cancelled", got.Status)
	}
}

func TestFailRetriesThenTerminal(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueue(t, q, &core.WarmingJob{CacheKey: "route:flaky", ScheduledAt: now.Add(-time.Minute)})

	for attempt := 1; attempt <= core.DefaultMaxAttempts; attempt++ {
		claimed, err := q.Claim(ctx, "owner", now, 1)
		if err != nil {
			t.Fatalf("Claim attempt %d: %v", attempt, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: claimed %d jobs, want 1", attempt, len(claimed))
		}
		if err := q.Fail(ctx, job.ID, "owner", "timeout", now, now); err != nil {
			t.Fatalf("Fail attempt %d: %v", attempt, err)
		}
		got, err := q.Job(ctx, job.ID)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if attempt < core.DefaultMaxAttempts {
			if got.Status != core.JobPending {
				t.Fatalf("attempt %d: status = %s, want pending", attempt, got.Status)
			}
		} else if got.Status != core.JobFailed {
			t.Fatalf("final attempt: status = %s, want failed", got.Status)
		}
	}

	got, _ := q.Job(ctx, job.ID)
	if got.ErrorMessage != "timeout" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	if got.ProcessedAt == nil {
		t.Fatal("processed_at not set on terminal failure")
	}

	// Exhausted jobs never come back.
	claimed, err := q.Claim(ctx, "owner", now, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d exhausted jobs, want 0", len(claimed))
	}
}

func TestCompleteRequiresClaim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueue(t, q, &core.WarmingJob{CacheKey: "route:abc", ScheduledAt: now.Add(-time.Minute)})
	if _, err := q.Claim(ctx, "owner-a", now, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := q.Complete(ctx, job.ID, "owner-b", now)
	if !core.IsKind(err, core.KindConcurrency) {
		t.Fatalf("foreign complete: got %v, want concurrency error", err)
	}
	if err := q.Complete(ctx, job.ID, "owner-a", now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestDeferRestoresAttempt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueue(t, q, &core.WarmingJob{CacheKey: "route:abc", ScheduledAt: now.Add(-time.Minute)})
	if _, err := q.Claim(ctx, "owner", now, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	until := now.Add(10 * time.Minute)
	if err := q.Defer(ctx, job.ID, "owner", until); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	got, err := q.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != core.JobPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", got.Attempts)
	}
	if !got.ExecuteAfter.Equal(until.Truncate(time.Second)) {
		t.Fatalf("execute_after = %s, want %s", got.ExecuteAfter, until)
	}
}

func TestRequeueStale(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueue(t, q, &core.WarmingJob{CacheKey: "route:abc", ScheduledAt: now.Add(-time.Hour)})
	if _, err := q.Claim(ctx, "crashed-owner", now.Add(-30*time.Minute), 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	n, err := q.RequeueStale(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}
	got, err := q.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != core.JobPending || got.ClaimOwner != "" {
		t.Fatalf("job after requeue: status=%s owner=%q", got.Status, got.ClaimOwner)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueue(t, q, &core.WarmingJob{CacheKey: "route:abc", ScheduledAt: now})
	if err := q.Cancel(ctx, job.ID, "no longer needed", now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := q.Cancel(ctx, job.ID, "again", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel of terminal job: got %v, want ErrNotFound", err)
	}
}

func TestCountsAndPurge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := enqueue(t, q, &core.WarmingJob{CacheKey: "route:done", ScheduledAt: now.Add(-time.Hour)})
	enqueue(t, q, &core.WarmingJob{CacheKey: "route:waiting", ScheduledAt: now})

	if _, err := q.Claim(ctx, "owner", now.Add(-50*time.Minute), 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Complete(ctx, done.ID, "owner", now.Add(-49*time.Minute)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[core.JobCompleted] != 1 || counts[core.JobPending] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	n, err := q.PurgeTerminalBefore(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("PurgeTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d jobs, want 1", n)
	}
	if _, err := q.Job(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged job still loadable: %v", err)
	}
}

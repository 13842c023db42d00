// Package maintenance drives the periodic pass that keeps the cache
// healthy: invalidation, warming, retention cleanup, and stats.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"geocache/internal/core"
	"geocache/internal/invalidation"
	"geocache/internal/metrics"
	"geocache/internal/schedule"
	"geocache/internal/stats"
	"geocache/internal/warming"
)

// lockName is the advisory lock shared by every process running passes
// against the same storage.
const lockName = "maintenance"

// staleClaimFactor scales the pass time budget into the age at which a
// processing claim is presumed abandoned.
const staleClaimFactor = 3

// Config tunes the maintenance runner.
type Config struct {
	PassTimeBudget  time.Duration // wall-clock budget per pass, default 2m
	RecordRetention time.Duration // invalidation record retention, default 30 days
	JobRetention    time.Duration // terminal warming job retention, default 7 days
	StatsRetention  time.Duration // stats bucket retention, default 90 days
	DryRun          bool
	Schedule        schedule.Config
}

func (c Config) withDefaults() Config {
	if c.PassTimeBudget <= 0 {
		c.PassTimeBudget = 2 * time.Minute
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = 30 * 24 * time.Hour
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 7 * 24 * time.Hour
	}
	if c.StatsRetention <= 0 {
		c.StatsRetention = 90 * 24 * time.Hour
	}
	if c.Schedule.OffInterval == 0 {
		c.Schedule = schedule.Default()
	}
	return c
}

// PassSummary reports one maintenance pass.
type PassSummary struct {
	Skipped       bool
	Started       time.Time
	Duration      time.Duration
	Requeued      int64
	Invalidation  invalidation.Summary
	WarmingRan    bool
	Warming       warming.DrainSummary
	PurgedRecords int64
	PurgedJobs    int64
	PurgedStats   int64
	StatsBuckets  int
	PhaseErrs     map[string]error
}

// Runner executes maintenance passes under the advisory lock.
type Runner struct {
	locks      LockStore
	engine     *invalidation.Engine
	executor   *warming.Executor
	queue      warming.Queue
	records    invalidation.RecordStore
	aggregator *stats.Aggregator
	buckets    stats.BucketStore
	clock      core.Clock
	log        *slog.Logger
	owner      string
	cfg        Config
}

// NewRunner wires a runner from the pass collaborators.
func NewRunner(locks LockStore, engine *invalidation.Engine, executor *warming.Executor,
	queue warming.Queue, records invalidation.RecordStore, aggregator *stats.Aggregator,
	buckets stats.BucketStore, clock core.Clock, log *slog.Logger, cfg Config) *Runner {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	owner := uuid.NewString()
	return &Runner{
		locks:      locks,
		engine:     engine,
		executor:   executor,
		queue:      queue,
		records:    records,
		aggregator: aggregator,
		buckets:    buckets,
		clock:      clock,
		log:        log.With("component", "maintenance", "owner", owner),
		owner:      owner,
		cfg:        cfg.withDefaults(),
	}
}

// Run executes one pass. When another process holds the lock the pass is
// skipped, not queued. Phase failures are collected in the summary; the
// returned error covers only lock faults.
func (r *Runner) Run(ctx context.Context) (PassSummary, error) {
	now := r.clock.Now()
	sum := PassSummary{Started: now, PhaseErrs: make(map[string]error)}

	acquired, err := r.locks.Acquire(ctx, lockName, r.owner, now, r.cfg.PassTimeBudget+r.cfg.PassTimeBudget/2)
	if err != nil {
		return sum, err
	}
	if !acquired {
		metrics.PassesSkipped.Inc()
		r.log.Info("pass skipped, lock held elsewhere")
		sum.Skipped = true
		return sum, nil
	}
	defer func() {
		// Release on every exit, including a panicking phase.
		if err := r.locks.Release(context.WithoutCancel(ctx), lockName, r.owner); err != nil {
			r.log.Warn("lock release failed", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PassTimeBudget)
	defer cancel()

	r.reconcile(ctx, now, &sum)
	r.invalidate(ctx, &sum)
	r.warm(ctx, &sum)
	r.cleanup(ctx, now, &sum)
	r.aggregate(ctx, now, &sum)

	sum.Duration = r.clock.Now().Sub(now)
	metrics.PassDuration.Observe(sum.Duration.Seconds())
	ok, failed := r.phaseCounts(sum)
	r.log.Info("pass finished",
		"duration", sum.Duration,
		"requeued", sum.Requeued,
		"invalidated", sum.Invalidation.Invalidated(),
		"warming_ran", sum.WarmingRan,
		"warmed", sum.Warming.Completed,
		"phases_ok", ok, "phases_failed", failed)
	return sum, nil
}

func (r *Runner) phaseCounts(sum PassSummary) (ok, failed int) {
	for _, err := range sum.PhaseErrs {
		if err != nil {
			failed++
		}
	}
	return 5 - failed, failed
}

// reconcile returns claims abandoned by crashed executors to pending.
func (r *Runner) reconcile(ctx context.Context, now time.Time, sum *PassSummary) {
	if r.cfg.DryRun {
		return
	}
	cutoff := now.Add(-staleClaimFactor * r.cfg.PassTimeBudget)
	n, err := r.queue.RequeueStale(ctx, cutoff)
	if err != nil {
		sum.PhaseErrs["reconcile"] = err
		r.log.Warn("reconcile failed", "error", err)
		return
	}
	sum.Requeued = n
	if n > 0 {
		r.log.Info("requeued stale claims", "count", n)
	}
}

func (r *Runner) invalidate(ctx context.Context, sum *PassSummary) {
	inv, err := r.engine.Run(ctx, r.cfg.DryRun)
	if err != nil {
		sum.PhaseErrs["invalidate"] = err
		r.log.Warn("invalidation failed", "error", err)
		return
	}
	sum.Invalidation = inv
}

// warm drains the queue when the pass aligns to the cadence or an
// urgent job says so. The decision depends only on the clock and the
// queue, so hosts sharing the queue agree on which passes warm.
func (r *Runner) warm(ctx context.Context, sum *PassSummary) {
	if !r.cfg.Schedule.ShouldWarmWithPriority(r.clock.Now(), r.hasUrgentJob(ctx)) {
		return
	}
	if r.cfg.DryRun {
		sum.WarmingRan = true
		r.log.Info("would drain warming queue")
		return
	}
	drain, err := r.executor.Drain(ctx)
	if err != nil {
		sum.PhaseErrs["warm"] = err
		r.log.Warn("warming failed", "error", err)
		return
	}
	sum.WarmingRan = true
	sum.Warming = drain
}

// hasUrgentJob reports whether the best pending job bypasses the
// schedule. The queue lists best first, so one row suffices.
func (r *Runner) hasUrgentJob(ctx context.Context) bool {
	jobs, err := r.queue.List(ctx, core.JobPending, 1)
	if err != nil {
		r.log.Warn("pending peek failed", "error", err)
		return false
	}
	return len(jobs) > 0 && jobs[0].Priority <= core.HighPriorityCutoff
}

// cleanup applies the retention windows.
func (r *Runner) cleanup(ctx context.Context, now time.Time, sum *PassSummary) {
	if r.cfg.DryRun {
		return
	}
	var firstErr error

	n, err := r.records.PurgeOlderThan(ctx, now.Add(-r.cfg.RecordRetention))
	if err != nil {
		firstErr = err
	}
	sum.PurgedRecords = n

	n, err = r.queue.PurgeTerminalBefore(ctx, now.Add(-r.cfg.JobRetention))
	if err != nil && firstErr == nil {
		firstErr = err
	}
	sum.PurgedJobs = n

	n, err = r.buckets.PurgeOlderThan(ctx, now.Add(-r.cfg.StatsRetention).UTC().Format(stats.DateFormat))
	if err != nil && firstErr == nil {
		firstErr = err
	}
	sum.PurgedStats = n

	if firstErr != nil {
		sum.PhaseErrs["cleanup"] = firstErr
		r.log.Warn("cleanup failed", "error", firstErr)
	}
}

func (r *Runner) aggregate(ctx context.Context, now time.Time, sum *PassSummary) {
	if r.cfg.DryRun {
		return
	}
	n, err := r.aggregator.Aggregate(ctx, now)
	if err != nil {
		sum.PhaseErrs["stats"] = err
		r.log.Warn("stats aggregation failed", "error", err)
		return
	}
	sum.StatsBuckets = n
}

package warming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"geocache/internal/core"
	"geocache/internal/metrics"
	"geocache/internal/store"
)

// DefaultTTLs is the entry lifetime per request type used when a warmed
// result does not carry an explicit TTL. Traffic is short-lived; geocode
// results are stable for a day.
var DefaultTTLs = map[core.RequestType]time.Duration{
	core.TypeRoute:        30 * time.Minute,
	core.TypeGeocode:      24 * time.Hour,
	core.TypeTraffic:      5 * time.Minute,
	core.TypeMatrix:       time.Hour,
	core.TypeAutocomplete: 6 * time.Hour,
}

// ExecutorConfig tunes a warming executor.
type ExecutorConfig struct {
	Concurrency  int           // parallel provider calls, default 4
	BatchSize    int           // jobs claimed per drain, default 25
	FetchTimeout time.Duration // per-call deadline, default 15s
	RetryBase    time.Duration // backoff base, default 30s
	BudgetDefer  time.Duration // re-check interval when out of budget, default 10m
	DefaultTTL   time.Duration // fallback entry TTL for unlisted types, default 1h
	TTLs         map[core.RequestType]time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.BudgetDefer <= 0 {
		c.BudgetDefer = 10 * time.Minute
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.TTLs == nil {
		c.TTLs = DefaultTTLs
	}
	return c
}

// DrainSummary reports one executor drain.
type DrainSummary struct {
	Claimed   int
	Completed int
	Free      int // completed without a provider call
	Retried   int
	Failed    int // terminally failed
	Deferred  int // returned to pending for budget
	Outcomes  core.Outcomes
}

// Executor drains the warming queue against the provider. Each executor
// claims jobs under a unique owner ID, so several instances can share a
// queue.
type Executor struct {
	queue    Queue
	store    *store.Store
	provider core.ProviderClient
	budget   core.BudgetGate
	clock    core.Clock
	log      *slog.Logger
	owner    string
	cfg      ExecutorConfig
}

// NewExecutor builds an executor with a fresh owner identity.
func NewExecutor(q Queue, st *store.Store, provider core.ProviderClient, budget core.BudgetGate, clock core.Clock, log *slog.Logger, cfg ExecutorConfig) *Executor {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	owner := uuid.NewString()
	return &Executor{
		queue:    q,
		store:    st,
		provider: provider,
		budget:   budget,
		clock:    clock,
		log:      log.With("component", "warming", "owner", owner),
		owner:    owner,
		cfg:      cfg.withDefaults(),
	}
}

// Owner returns the claim identity of this executor.
func (e *Executor) Owner() string { return e.owner }

// Drain claims one batch of eligible jobs and processes them with
// bounded concurrency. Per-job failures are outcomes, not errors; the
// returned error covers only queue-level faults.
func (e *Executor) Drain(ctx context.Context) (DrainSummary, error) {
	now := e.clock.Now()
	jobs, err := e.queue.Claim(ctx, e.owner, now, e.cfg.BatchSize)
	if err != nil {
		return DrainSummary{}, err
	}

	sum := DrainSummary{Claimed: len(jobs)}
	if len(jobs) == 0 {
		return sum, nil
	}

	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled mid-drain; unprocessed claims are
			// reclaimed by the stale sweep.
			break
		}
		wg.Add(1)
		go func(job *core.WarmingJob) {
			defer wg.Done()
			defer sem.Release(1)
			outcome := e.process(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			sum.Outcomes = append(sum.Outcomes, core.Outcome{Key: job.CacheKey, Err: outcome.err})
			switch outcome.kind {
			case outcomeCompleted:
				sum.Completed++
			case outcomeFree:
				sum.Completed++
				sum.Free++
			case outcomeRetried:
				sum.Retried++
			case outcomeFailed:
				sum.Failed++
			case outcomeDeferred:
				sum.Deferred++
			}
		}(job)
	}
	wg.Wait()
	return sum, nil
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFree
	outcomeRetried
	outcomeFailed
	outcomeDeferred
)

type jobOutcome struct {
	kind outcomeKind
	err  error
}

// process runs one claimed job through the free-warm check, the budget
// gate, and the provider, and records the result on the queue.
func (e *Executor) process(ctx context.Context, job *core.WarmingJob) jobOutcome {
	now := e.clock.Now()

	// A fresh entry in any layer makes the warm free: the predicted
	// demand is already served.
	fresh, err := e.store.Fresh(ctx, job.CacheKey)
	if err != nil {
		return e.retryOrFail(ctx, job, err)
	}
	if fresh {
		if err := e.queue.Complete(ctx, job.ID, e.owner, now); err != nil {
			return jobOutcome{kind: outcomeFailed, err: err}
		}
		metrics.WarmingJobs.WithLabelValues("completed_free").Inc()
		e.log.Debug("free warm", "job", job.ID, "key", job.CacheKey)
		return jobOutcome{kind: outcomeFree}
	}

	if err := e.budget.Reserve(ctx, job.EstimatedCost); err != nil {
		if core.IsKind(err, core.KindBudgetExceeded) {
			until := now.Add(e.cfg.BudgetDefer)
			if derr := e.queue.Defer(ctx, job.ID, e.owner, until); derr != nil {
				return jobOutcome{kind: outcomeFailed, err: derr}
			}
			metrics.WarmingJobs.WithLabelValues("deferred").Inc()
			e.log.Info("warming deferred for budget", "job", job.ID, "until", until)
			return jobOutcome{kind: outcomeDeferred}
		}
		return e.retryOrFail(ctx, job, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	result, err := e.provider.Fetch(fetchCtx, job.Type, job.RequestParams)
	cancel()
	if err != nil {
		return e.retryOrFail(ctx, job, err)
	}

	entry := e.buildEntry(job, result, now)
	if err := e.store.Put(ctx, core.LayerPersistent, entry); err != nil {
		return e.retryOrFail(ctx, job, err)
	}
	if err := e.queue.Complete(ctx, job.ID, e.owner, e.clock.Now()); err != nil {
		return jobOutcome{kind: outcomeFailed, err: err}
	}
	metrics.WarmingJobs.WithLabelValues("completed").Inc()
	e.log.Debug("warmed", "job", job.ID, "key", job.CacheKey, "cost", result.Cost)
	return jobOutcome{kind: outcomeCompleted}
}

// buildEntry converts a provider result into the cache entry the warm
// was for. The job's priority and expected usage ride along so the
// stats aggregator can judge the prediction later.
func (e *Executor) buildEntry(job *core.WarmingJob, result *core.ProviderResult, now time.Time) *core.CacheEntry {
	ttl := e.cfg.TTLs[job.Type]
	if ttl <= 0 {
		ttl = e.cfg.DefaultTTL
	}
	score := predictionScore(job.ExpectedUsageCount)
	return &core.CacheEntry{
		Key:             job.CacheKey,
		Type:            job.Type,
		Payload:         result.Payload,
		Metadata:        json.RawMessage(result.Metadata),
		CreatedAt:       now,
		TTLSeconds:      int64(ttl / time.Second),
		WarmingPriority: job.Priority,
		PredictionScore: score,
		APICost:         result.Cost,
	}
}

// predictionScore maps expected usage onto [0,1]; ten or more expected
// hits count as certainty.
func predictionScore(expected int) float64 {
	if expected <= 0 {
		return 0
	}
	if expected >= 10 {
		return 1
	}
	return float64(expected) / 10
}

// retryOrFail records a failed attempt with exponential backoff.
func (e *Executor) retryOrFail(ctx context.Context, job *core.WarmingJob, cause error) jobOutcome {
	now := e.clock.Now()
	retryAt := now.Add(retryDelay(e.cfg.RetryBase, job.Attempts))
	if err := e.queue.Fail(ctx, job.ID, e.owner, cause.Error(), retryAt, now); err != nil {
		return jobOutcome{kind: outcomeFailed, err: errors.Join(cause, err)}
	}
	if job.Attempts >= job.MaxAttempts {
		metrics.WarmingJobs.WithLabelValues("failed").Inc()
		e.log.Warn("warming job failed", "job", job.ID, "key", job.CacheKey,
			"attempts", job.Attempts, "error", cause)
		return jobOutcome{kind: outcomeFailed, err: fmt.Errorf("job %d: %w", job.ID, cause)}
	}
	e.log.Info("warming attempt failed, will retry", "job", job.ID,
		"attempt", job.Attempts, "retry_at", retryAt, "error", cause)
	return jobOutcome{kind: outcomeRetried, err: nil}
}

// retryDelay doubles per attempt from base with up to 50% jitter,
// capped at one hour.
func retryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base << (attempts - 1)
	if d > time.Hour {
		d = time.Hour
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geocache/internal/core"
	"geocache/internal/metrics"
	"geocache/internal/store"
)

// Config tunes the strategy heuristics.
type Config struct {
	ConfidenceThreshold    float64       // entries below this confidence are retired
	TrafficFreshnessWindow time.Duration // traffic entries younger than this are left alone
}

// Defaults fills zero values.
func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.TrafficFreshnessWindow <= 0 {
		c.TrafficFreshnessWindow = 10 * time.Minute
	}
	return c
}

// Summary is the result of one invalidation pass.
type Summary struct {
	Evaluated  int
	ByStrategy map[core.InvalidationStrategy]int
	Outcomes   core.Outcomes
}

// Invalidated returns the number of entries retired this pass.
func (s Summary) Invalidated() int {
	total := 0
	for _, n := range s.ByStrategy {
		total += n
	}
	return total
}

// Engine runs the invalidation strategies over the cache and retires
// matching entries, writing an audit record before each deletion.
//
// Strategies run in a fixed order over a single snapshot taken at the
// start of the pass. A key is retired at most once per pass: the first
// strategy that claims it wins. The dependency cascade runs last, over
// the full set of keys retired by the direct strategies.
type Engine struct {
	store   *store.Store
	records RecordStore
	clock   core.Clock
	log     *slog.Logger
	cfg     Config

	registry map[core.InvalidationStrategy]Strategy
	order    []core.InvalidationStrategy

	mu     sync.Mutex
	events []TagEvent
	manual []ManualRequest
}

// New builds an engine with the standard strategy registry.
func New(st *store.Store, records RecordStore, oracle core.SeverityOracle, clock core.Clock, log *slog.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = core.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:    st,
		records:  records,
		clock:    clock,
		log:      log.With("component", "invalidation"),
		cfg:      cfg,
		registry: make(map[core.InvalidationStrategy]Strategy),
	}
	e.register(timeStrategy{})
	e.register(trafficStrategy{window: cfg.TrafficFreshnessWindow, oracle: oracle})
	e.register(confidenceStrategy{threshold: cfg.ConfidenceThreshold})
	e.register(eventStrategy{})
	e.register(manualStrategy{})
	return e
}

func (e *Engine) register(s Strategy) {
	e.registry[s.Name()] = s
	e.order = append(e.order, s.Name())
}

// QueueTagEvent queues an event-based invalidation for the next pass.
func (e *Engine) QueueTagEvent(tag, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, TagEvent{Tag: tag, Reason: reason})
}

// QueueManual queues a manual invalidation of a key or tag for the next
// pass. An unknown strategy is recorded as manual_admin.
func (e *Engine) QueueManual(req ManualRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manual = append(e.manual, req)
}

func (e *Engine) drain() ([]TagEvent, []ManualRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	events, manual := e.events, e.manual
	e.events, e.manual = nil, nil
	return events, manual
}

// Run executes one invalidation pass. With dryRun set it evaluates every
// strategy and reports what would be retired without writing records or
// deleting entries.
func (e *Engine) Run(ctx context.Context, dryRun bool) (Summary, error) {
	now := e.clock.Now()
	events, manual := e.drain()

	snapshot, err := e.snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}
	pass := &Pass{Now: now, Entries: snapshot, Events: events, Manual: manual}

	// First strategy to claim a key wins; later strategies and the
	// cascade skip keys already on the frontier.
	claimed := make(map[string]Candidate)
	var frontier []Candidate
	for _, name := range e.order {
		cands, err := e.registry[name].Evaluate(ctx, pass)
		if err != nil {
			e.log.Warn("strategy evaluation failed", "strategy", string(name), "error", err)
			continue
		}
		for _, c := range cands {
			if _, ok := claimed[c.Entry.Key]; ok {
				continue
			}
			claimed[c.Entry.Key] = c
			frontier = append(frontier, c)
		}
	}

	// Dependency cascade: any entry whose parent was retired this pass is
	// retired too, transitively. The claimed set doubles as the visited
	// set, so dependency cycles terminate.
	children := childIndex(snapshot)
	for i := 0; i < len(frontier); i++ {
		parent := frontier[i]
		for _, child := range children[parent.Entry.Key] {
			if _, ok := claimed[child.Key]; ok {
				continue
			}
			c := Candidate{
				Entry:    child,
				Strategy: core.StrategyDependencyBased,
				Reason:   fmt.Sprintf("parent %s invalidated (%s)", parent.Entry.Key, parent.Strategy),
			}
			claimed[child.Key] = c
			frontier = append(frontier, c)
		}
	}

	summary := Summary{
		Evaluated:  len(snapshot),
		ByStrategy: make(map[core.InvalidationStrategy]int),
	}
	for _, c := range frontier {
		if dryRun {
			summary.ByStrategy[c.Strategy]++
			e.log.Info("would invalidate", "key", c.Entry.Key, "strategy", string(c.Strategy), "reason", c.Reason)
			continue
		}
		if err := e.retire(ctx, now, c); err != nil {
			summary.Outcomes = append(summary.Outcomes, core.Outcome{Key: c.Entry.Key, Err: err})
			continue
		}
		summary.ByStrategy[c.Strategy]++
		summary.Outcomes = append(summary.Outcomes, core.Outcome{Key: c.Entry.Key})
		metrics.Invalidations.WithLabelValues(string(c.Strategy)).Inc()
	}
	return summary, nil
}

// retire writes the audit record, then deletes the key from every layer.
// The record is written first so a crash between the two leaves an
// explained entry rather than an unexplained deletion.
func (e *Engine) retire(ctx context.Context, now time.Time, c Candidate) error {
	rec := &core.InvalidationRecord{
		CacheKey:      c.Entry.Key,
		Strategy:      c.Strategy,
		Reason:        c.Reason,
		InvalidatedAt: now,
		Type:          c.Entry.Type,
		AgeSeconds:    int64(now.Sub(c.Entry.CreatedAt).Seconds()),
		HitCount:      c.Entry.HitCount,
	}
	if err := e.records.Append(ctx, rec); err != nil {
		return core.NewStorageError("invalidation.record", c.Entry.Key, err)
	}
	if err := e.store.DeleteAll(ctx, c.Entry.Key); err != nil {
		return err
	}
	e.log.Debug("invalidated", "key", c.Entry.Key, "strategy", string(c.Strategy), "reason", c.Reason)
	return nil
}

// snapshot lists every layer and keeps one representative entry per key.
// The representative comes from the fastest layer holding the key, except
// that an entry with richer lineage metadata is preferred so the cascade
// sees parent links written only to the persistent layer.
func (e *Engine) snapshot(ctx context.Context) ([]*core.CacheEntry, error) {
	seen := make(map[string]*core.CacheEntry)
	var out []*core.CacheEntry
	for _, layer := range e.store.Layers() {
		entries, err := e.store.List(ctx, layer, store.Filter{})
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			prev, ok := seen[entry.Key]
			if !ok {
				seen[entry.Key] = entry
				out = append(out, entry)
				continue
			}
			if len(prev.ParentKeys) == 0 && len(entry.ParentKeys) > 0 {
				prev.ParentKeys = entry.ParentKeys
			}
		}
	}
	return out, nil
}

// childIndex inverts the parent links in the snapshot.
func childIndex(entries []*core.CacheEntry) map[string][]*core.CacheEntry {
	idx := make(map[string][]*core.CacheEntry)
	for _, e := range entries {
		for _, parent := range e.ParentKeys {
			idx[parent] = append(idx[parent], e)
		}
	}
	return idx
}

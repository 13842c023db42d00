package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"geocache/internal/core"
)

// Candidate is one entry a strategy wants retired, with the reason that
// goes into the audit record.
type Candidate struct {
	Entry    *core.CacheEntry
	Strategy core.InvalidationStrategy
	Reason   string
}

// Pass is the per-pass input handed to every strategy: a snapshot of all
// entries plus the queued out-of-band requests drained for this pass.
type Pass struct {
	Now     time.Time
	Entries []*core.CacheEntry
	Events  []TagEvent
	Manual  []ManualRequest
}

// TagEvent is an out-of-band invalidation trigger, e.g. a client's
// address changed and every entry tagged with that client is stale.
type TagEvent struct {
	Tag    string
	Reason string
}

// ManualRequest is an administrator- or incident-triggered invalidation
// of a specific key or tag.
type ManualRequest struct {
	Key      string // exactly one of Key or Tag is set
	Tag      string
	Strategy core.InvalidationStrategy // manual_admin or manual_traffic
	Reason   string
}

// Strategy evaluates one invalidation heuristic over the pass snapshot.
type Strategy interface {
	Name() core.InvalidationStrategy
	Evaluate(ctx context.Context, pass *Pass) ([]Candidate, error)
}

// timeStrategy retires entries past their TTL. Runs first: it is the
// cheapest check and clears the bulk of the frontier.
type timeStrategy struct{}

func (timeStrategy) Name() core.InvalidationStrategy { return core.StrategyTimeBased }

func (timeStrategy) Evaluate(_ context.Context, pass *Pass) ([]Candidate, error) {
	var out []Candidate
	for _, e := range pass.Entries {
		if e.Expired(pass.Now) {
			out = append(out, Candidate{
				Entry:    e,
				Strategy: core.StrategyTimeBased,
				Reason:   fmt.Sprintf("ttl expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339)),
			})
		}
	}
	return out, nil
}

// trafficStrategy retires traffic and route entries older than the
// freshness window whose recorded severity materially differs from the
// latest known severity for the same geography. Entry metadata carries
// "area" and "severity" as written by the provider client.
type trafficStrategy struct {
	window time.Duration
	oracle core.SeverityOracle
}

func (trafficStrategy) Name() core.InvalidationStrategy { return core.StrategyTrafficBased }

func (s trafficStrategy) Evaluate(ctx context.Context, pass *Pass) ([]Candidate, error) {
	if s.oracle == nil {
		return nil, nil
	}
	var out []Candidate
	for _, e := range pass.Entries {
		if e.Type != core.TypeTraffic && e.Type != core.TypeRoute {
			continue
		}
		if pass.Now.Sub(e.CreatedAt) < s.window {
			continue
		}
		area := gjson.GetBytes(e.Metadata, "area").String()
		if area == "" {
			continue
		}
		recorded := gjson.GetBytes(e.Metadata, "severity")
		if !recorded.Exists() {
			continue
		}
		latest, known := s.oracle.Severity(ctx, area)
		if !known {
			continue
		}
		if delta := latest - int(recorded.Int()); delta >= 2 || delta <= -2 {
			out = append(out, Candidate{
				Entry:    e,
				Strategy: core.StrategyTrafficBased,
				Reason:   fmt.Sprintf("traffic severity in %s moved from %d to %d", area, recorded.Int(), latest),
			})
		}
	}
	return out, nil
}

// confidenceStrategy proactively retires low-confidence results so a
// better one can replace them on the next request or warm.
type confidenceStrategy struct {
	threshold float64
}

func (confidenceStrategy) Name() core.InvalidationStrategy { return core.StrategyConfidenceBased }

func (s confidenceStrategy) Evaluate(_ context.Context, pass *Pass) ([]Candidate, error) {
	var out []Candidate
	for _, e := range pass.Entries {
		conf := gjson.GetBytes(e.Metadata, "confidence")
		if !conf.Exists() {
			continue
		}
		if conf.Float() < s.threshold {
			out = append(out, Candidate{
				Entry:    e,
				Strategy: core.StrategyConfidenceBased,
				Reason:   fmt.Sprintf("confidence %.2f below threshold %.2f", conf.Float(), s.threshold),
			})
		}
	}
	return out, nil
}

// eventStrategy applies queued tag events.
type eventStrategy struct{}

func (eventStrategy) Name() core.InvalidationStrategy { return core.StrategyEventBased }

func (eventStrategy) Evaluate(_ context.Context, pass *Pass) ([]Candidate, error) {
	var out []Candidate
	for _, ev := range pass.Events {
		for _, e := range pass.Entries {
			if e.HasTag(ev.Tag) {
				reason := ev.Reason
				if reason == "" {
					reason = fmt.Sprintf("tag %q invalidated", ev.Tag)
				}
				out = append(out, Candidate{Entry: e, Strategy: core.StrategyEventBased, Reason: reason})
			}
		}
	}
	return out, nil
}

// manualStrategy applies queued administrator/incident requests.
type manualStrategy struct{}

// Name returns the registry key; individual candidates keep the strategy
// the request was filed under (manual_admin or manual_traffic).
func (manualStrategy) Name() core.InvalidationStrategy { return core.StrategyManualAdmin }

func (manualStrategy) Evaluate(_ context.Context, pass *Pass) ([]Candidate, error) {
	var out []Candidate
	for _, req := range pass.Manual {
		strategy := req.Strategy
		if strategy != core.StrategyManualTraffic {
			strategy = core.StrategyManualAdmin
		}
		for _, e := range pass.Entries {
			if (req.Key != "" && e.Key == req.Key) || (req.Tag != "" && e.HasTag(req.Tag)) {
				out = append(out, Candidate{Entry: e, Strategy: strategy, Reason: req.Reason})
			}
		}
	}
	return out, nil
}

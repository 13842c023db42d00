// Package stats aggregates daily cache effectiveness figures per request
// type and layer.
package stats

import (
	"context"
	"time"

	"log/slog"

	"geocache/internal/core"
	"geocache/internal/store"
)

// DateFormat is the bucket date key layout.
const DateFormat = "2006-01-02"

// BucketStore persists daily stats buckets keyed by (date, type, layer).
// Upsert overwrites, so recomputing a day never double-counts.
type BucketStore interface {
	Upsert(ctx context.Context, b *core.StatsBucket) error
	Get(ctx context.Context, date string, typ core.RequestType, layer core.Layer) (*core.StatsBucket, error)
	List(ctx context.Context, date string) ([]*core.StatsBucket, error)
	PurgeOlderThan(ctx context.Context, date string) (int64, error)
	Close() error
}

// predictionHitThreshold is the score above which an entry counts as a
// confident warming prediction when judging accuracy.
const predictionHitThreshold = 0.5

// Aggregator recomputes daily buckets from the live cache contents.
type Aggregator struct {
	store   *store.Store
	buckets BucketStore
	log     *slog.Logger
}

// New builds an aggregator.
func New(st *store.Store, buckets BucketStore, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: st, buckets: buckets, log: log.With("component", "stats")}
}

// Aggregate recomputes every (type, layer) bucket for the UTC day
// containing at. It reads the entries created that day and upserts one
// bucket per combination that saw activity.
func (a *Aggregator) Aggregate(ctx context.Context, at time.Time) (int, error) {
	dayStart := at.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	date := dayStart.Format(DateFormat)

	written := 0
	for _, layer := range a.store.Layers() {
		entries, err := a.store.List(ctx, layer, store.Filter{
			CreatedOnOrAfter: &dayStart,
			CreatedBefore:    &dayEnd,
		})
		if err != nil {
			return written, err
		}

		byType := make(map[core.RequestType][]*core.CacheEntry)
		for _, e := range entries {
			byType[e.Type] = append(byType[e.Type], e)
		}
		for typ, group := range byType {
			bucket := compute(date, typ, layer, group)
			if err := a.buckets.Upsert(ctx, bucket); err != nil {
				return written, err
			}
			written++
		}
	}
	a.log.Debug("stats aggregated", "date", date, "buckets", written)
	return written, nil
}

// compute folds a group of entries into one bucket.
func compute(date string, typ core.RequestType, layer core.Layer, entries []*core.CacheEntry) *core.StatsBucket {
	b := &core.StatsBucket{Date: date, Type: typ, Layer: layer}

	var predicted, predictedHit int64
	for _, e := range entries {
		b.Hits += e.HitCount
		b.Misses += e.MissCount
		b.TotalSize += e.SizeBytes
		b.APICallsSaved += e.HitCount
		if e.HitCount > 0 {
			b.CostSaved += e.APICost
		}
		if e.WarmingPriority > 0 {
			b.WarmingRequests++
		}
		if e.PredictionScore >= predictionHitThreshold {
			predicted++
			if e.HitCount > 0 {
				predictedHit++
			}
		}
	}
	b.TotalRequests = b.Hits + b.Misses
	b.HitRate = core.Ratio(float64(b.Hits), float64(b.TotalRequests))
	// Accuracy is a fraction in [0,1], not a percentage; zero confident
	// predictions yield zero.
	if predicted > 0 {
		b.PredictionAccuracy = float64(predictedHit) / float64(predicted)
	}
	return b
}

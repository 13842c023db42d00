// Package metrics exposes Prometheus collectors for the cache engine.
// Collectors are registered on a dedicated registry so an embedding host
// can mount them on its own /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every engine collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// CacheHits counts cache hits by layer and request type.
	CacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geocache",
		Name:      "cache_hits_total",
		Help:      "Cache hits by layer and request type.",
	}, []string{"layer", "type"})

	// CacheMisses counts cache misses by layer and request type. The type
	// label is empty when the key was absent entirely.
	CacheMisses = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geocache",
		Name:      "cache_misses_total",
		Help:      "Cache misses by layer and request type.",
	}, []string{"layer", "type"})

	// Invalidations counts invalidated entries by strategy.
	Invalidations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geocache",
		Name:      "invalidations_total",
		Help:      "Invalidated cache entries by strategy.",
	}, []string{"strategy"})

	// WarmingJobs counts finished warming jobs by outcome
	// (completed, completed_free, failed, cancelled, deferred).
	WarmingJobs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geocache",
		Name:      "warming_jobs_total",
		Help:      "Warming job outcomes.",
	}, []string{"outcome"})

	// CostSaved accumulates provider spend avoided by cache reuse.
	CostSaved = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "geocache",
		Name:      "cost_saved_total",
		Help:      "Provider spend avoided by cache reuse.",
	})

	// PassDuration observes maintenance pass wall time in seconds.
	PassDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "geocache",
		Name:      "maintenance_pass_duration_seconds",
		Help:      "Maintenance pass duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// PassesSkipped counts passes that could not acquire the pass lock.
	PassesSkipped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "geocache",
		Name:      "maintenance_passes_skipped_total",
		Help:      "Maintenance passes skipped because another pass held the lock.",
	})
)

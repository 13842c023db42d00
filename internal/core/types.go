package core

import (
	"encoding/json"
	"time"
)

// Layer identifies a cache storage tier. Reads consult faster layers first.
type Layer string

const (
	LayerMemory     Layer = "memory"
	LayerEdge       Layer = "edge"
	LayerPersistent Layer = "persistent"
	LayerShared     Layer = "shared"
)

// ReadOrder is the layer sequence consulted on a multi-layer lookup,
// fastest first. Fallback hits are promoted into every faster layer.
var ReadOrder = []Layer{LayerMemory, LayerEdge, LayerPersistent, LayerShared}

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	switch l {
	case LayerMemory, LayerEdge, LayerPersistent, LayerShared:
		return true
	}
	return false
}

// RequestType identifies the class of geodata request an entry caches.
type RequestType string

const (
	TypeRoute        RequestType = "route"
	TypeGeocode      RequestType = "geocode"
	TypeTraffic      RequestType = "traffic"
	TypeMatrix       RequestType = "matrix"
	TypeAutocomplete RequestType = "autocomplete"
)

// RequestTypes lists every known request type, in stats/reporting order.
var RequestTypes = []RequestType{TypeRoute, TypeGeocode, TypeTraffic, TypeMatrix, TypeAutocomplete}

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case TypeRoute, TypeGeocode, TypeTraffic, TypeMatrix, TypeAutocomplete:
		return true
	}
	return false
}

// CacheEntry is a single cached provider result. Entries are unique per
// (Key, Layer); the same key may exist in several layers at once.
type CacheEntry struct {
	Key             string          `json:"key"`
	Layer           Layer           `json:"layer"`
	Type            RequestType     `json:"type"`
	Payload         []byte          `json:"payload"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	TTLSeconds      int64           `json:"ttl_seconds"`
	LastAccessedAt  time.Time       `json:"last_accessed_at"`
	HitCount        int64           `json:"hit_count"`
	MissCount       int64           `json:"miss_count"`
	WarmingPriority int             `json:"warming_priority"`
	PredictionScore float64         `json:"prediction_score"`
	InvalidationTags []string       `json:"invalidation_tags,omitempty"`
	ParentKeys      []string        `json:"parent_keys,omitempty"`
	SizeBytes       int64           `json:"size_bytes"`
	APICost         float64         `json:"api_cost"`
}

// Expired reports whether the entry is past its TTL at the given instant.
// Expired entries are treated as misses on read but are not deleted there;
// the invalidation sweep removes them so the reason is recorded.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// HitRate returns the hit percentage in [0,100], or 0 when the entry has
// never been looked up.
func (e *CacheEntry) HitRate() float64 {
	total := e.HitCount + e.MissCount
	if total == 0 {
		return 0
	}
	return float64(e.HitCount) * 100 / float64(total)
}

// HasTag reports whether the entry carries the given invalidation tag.
func (e *CacheEntry) HasTag(tag string) bool {
	for _, t := range e.InvalidationTags {
		if t == tag {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a warming job.
// pending -> processing -> {completed, failed, cancelled}; a failed job
// re-enters pending while attempts remain.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// DefaultMaxAttempts is used when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 3

// WarmingJob is one pending or finished warm-up of a cache key.
type WarmingJob struct {
	ID                 int64           `json:"id"`
	CacheKey           string          `json:"cache_key"`
	Type               RequestType     `json:"type"`
	Priority           int             `json:"priority"`
	RequestParams      json.RawMessage `json:"request_params"`
	EstimatedCost      float64         `json:"estimated_cost"`
	ExpectedUsageCount int             `json:"expected_usage_count"`
	ScheduledAt        time.Time       `json:"scheduled_at"`
	ExecuteAfter       time.Time       `json:"execute_after"`
	Attempts           int             `json:"attempts"`
	MaxAttempts        int             `json:"max_attempts"`
	Status             JobStatus       `json:"status"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	ClaimOwner         string          `json:"claim_owner,omitempty"`
	ClaimedAt          *time.Time      `json:"claimed_at,omitempty"`
	DependsOn          []int64         `json:"depends_on,omitempty"`
}

// HighPriorityCutoff separates jobs that bypass the warming schedule.
const HighPriorityCutoff = 3

// InvalidationStrategy names the heuristic that retired an entry.
type InvalidationStrategy string

const (
	StrategyTimeBased       InvalidationStrategy = "time_based"
	StrategyTrafficBased    InvalidationStrategy = "traffic_based"
	StrategyConfidenceBased InvalidationStrategy = "confidence_based"
	StrategyDependencyBased InvalidationStrategy = "dependency_based"
	StrategyEventBased      InvalidationStrategy = "event_based"
	StrategyManualAdmin     InvalidationStrategy = "manual_admin"
	StrategyManualTraffic   InvalidationStrategy = "manual_traffic"
)

// InvalidationRecord is a write-once audit entry capturing the state of a
// cache entry at the moment it was retired.
type InvalidationRecord struct {
	ID                   int64                `json:"id" bson:"id"`
	CacheKey             string               `json:"cache_key" bson:"cache_key"`
	Strategy             InvalidationStrategy `json:"strategy" bson:"strategy"`
	Reason               string               `json:"reason" bson:"reason"`
	InvalidatedAt        time.Time            `json:"invalidated_at" bson:"invalidated_at"`
	Type                 RequestType          `json:"type" bson:"type"`
	AgeSeconds           int64                `json:"age_seconds" bson:"age_seconds"`
	HitCount             int64                `json:"hit_count" bson:"hit_count"`
	ReplacementCreated   bool                 `json:"replacement_created" bson:"replacement_created"`
	ReplacementCreatedAt *time.Time           `json:"replacement_created_at,omitempty" bson:"replacement_created_at,omitempty"`
}

// StatsBucket aggregates one day of activity for a (type, layer) pair.
// Buckets are recomputed in place; re-running a pass never double-counts.
type StatsBucket struct {
	Date               string      `json:"date"`
	Type               RequestType `json:"type"`
	Layer              Layer       `json:"layer"`
	TotalRequests      int64       `json:"total_requests"`
	Hits               int64       `json:"hits"`
	Misses             int64       `json:"misses"`
	HitRate            float64     `json:"hit_rate"`
	AvgHitLatencyMs    float64     `json:"avg_hit_latency_ms"`
	AvgMissLatencyMs   float64     `json:"avg_miss_latency_ms"`
	TotalSize          int64       `json:"total_size"`
	APICallsSaved      int64       `json:"api_calls_saved"`
	CostSaved          float64     `json:"cost_saved"`
	WarmingRequests    int64       `json:"warming_requests"`
	PredictionAccuracy float64     `json:"prediction_accuracy"`
}

// Ratio returns part/whole as a percentage, or 0 when whole is zero.
// Derived metrics divide by base values that can legitimately be zero.
func Ratio(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return part * 100 / whole
}

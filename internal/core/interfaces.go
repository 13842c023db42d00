package core

import (
	"context"
	"time"
)

// ProviderResult is the normalized outcome of one upstream geodata call.
// Payload is the serialized response body; Cost is the monetary cost of
// the call as reported (or estimated) by the client.
type ProviderResult struct {
	Payload    []byte
	Metadata   []byte // provider, confidence, free-form tags (JSON)
	Provider   string
	Confidence float64
	Cost       float64
}

// ProviderClient is the external geodata provider collaborator consumed by
// the warming executor. The engine never constructs provider requests
// itself; RequestParams captured at enqueue time are sufficient to
// re-issue the call.
type ProviderClient interface {
	// Fetch re-issues the request described by params for the given type.
	// Failures are EngineErrors of the provider kinds.
	Fetch(ctx context.Context, typ RequestType, params []byte) (*ProviderResult, error)
}

// BudgetGate is the rate/budget collaborator queried before every warming
// call. Reserve blocks until pacing allows the call or reports that the
// remaining quota is exhausted.
type BudgetGate interface {
	// Reserve confirms quota for one call costing approximately cost.
	// A KindBudgetExceeded error means warming should defer, not fail.
	Reserve(ctx context.Context, cost float64) error

	// Refund returns quota reserved for a call that was never issued.
	Refund(cost float64)
}

// SeverityOracle reports the latest known traffic severity for a
// geography, keyed by the area tag recorded in entry metadata. The
// traffic-based invalidation strategy compares cached severity against it.
type SeverityOracle interface {
	Severity(ctx context.Context, area string) (level int, known bool)
}

// Clock abstracts time for scheduling and TTL tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }

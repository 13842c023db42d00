package core

// Outcome records the result of one per-item operation inside a pass.
// Per-item failures are data rather than control transfer, so they can be
// aggregated into the pass summary without aborting the rest of the pass.
type Outcome struct {
	Key string
	Err error
}

// Ok reports whether the item succeeded.
func (o Outcome) Ok() bool { return o.Err == nil }

// Outcomes aggregates per-item results for one phase.
type Outcomes []Outcome

// Failed returns the subset of outcomes that carry an error.
func (os Outcomes) Failed() Outcomes {
	var failed Outcomes
	for _, o := range os {
		if !o.Ok() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Counts returns (succeeded, failed).
func (os Outcomes) Counts() (ok, failed int) {
	for _, o := range os {
		if o.Ok() {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

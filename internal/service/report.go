package service

import (
	"time"

	"engagement-pricer/internal/aggregate"
	"engagement-pricer/internal/pricing"
)

// AssetResult is the settled outcome of one asset's pass.
type AssetResult struct {
	AssetID   string
	Price     int64
	Err       error
	Verified  int
	Rejected  int
	Omitted   int
	Volume    int64
	CommitErr error

	State      pricing.State
	Derivation pricing.Derivation
	Metrics    aggregate.Combined
}

// Failed reports whether the asset was pinned this tick.
func (r AssetResult) Failed() bool {
	return r.Err != nil
}

// TickReport summarises one tick.
type TickReport struct {
	ID             string
	StartedAt      time.Time
	Duration       time.Duration
	Skipped        bool
	SkipReason     string
	Assets         int
	Succeeded      int
	Failed         int
	Rejected       int
	Omitted        int
	CommitFailures int
	Delivered      int
	Results        []AssetResult
}

func (r *TickReport) tally() {
	r.Assets = len(r.Results)
	r.Succeeded, r.Failed, r.Rejected, r.Omitted, r.CommitFailures = 0, 0, 0, 0, 0
	for _, res := range r.Results {
		if res.Failed() {
			r.Failed++
		} else {
			r.Succeeded++
		}
		r.Rejected += res.Rejected
		r.Omitted += res.Omitted
		if res.CommitErr != nil {
			r.CommitFailures++
		}
	}
}

package attestation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBadSignature indicates an attestation whose signature does not verify.
	ErrBadSignature = errors.New("attestation: signature verification failed")
	// ErrEmptyQuery indicates a blank lookup name.
	ErrEmptyQuery = errors.New("attestation: query name required")
	// ErrUnknownSource indicates a source that is not configured.
	ErrUnknownSource = errors.New("attestation: unknown source")
)

// PopularityScale is the rank span mapped onto Metrics.Popularity.
const PopularityScale = 10_000

// PopularityFromRank converts a source rank, where 1 is the most popular, into
// a score that increases with popularity.
func PopularityFromRank(rank int64) int64 {
	if rank <= 0 || rank >= PopularityScale {
		return 0
	}
	return PopularityScale - rank
}

// Metrics are the externally attested figures for an asset.
type Metrics struct {
	// Rating is the source's mean score scaled by 100.
	Rating      int64 `json:"rating"`
	// Popularity grows with audience size: a source rank r maps to
	// PopularityScale - r, and 0 when the rank is unknown or out of range.
	Popularity  int64 `json:"popularity"`
	MemberCount int64 `json:"member_count"`
	Trending    int64 `json:"trending"`
}

// Record is one source's attested metrics for an asset.
type Record struct {
	AssetID   string    `json:"asset_id"`
	Source    string    `json:"source"`
	Title     string    `json:"title,omitempty"`
	Metrics   Metrics   `json:"metrics"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// Fetcher retrieves attested metrics per source.
type Fetcher interface {
	Sources() []string
	Fetch(ctx context.Context, assetID, source string) (Record, error)
}

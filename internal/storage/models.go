package storage

import (
	"encoding/json"
	"time"
)

// Commit statuses of the metric outbox.
const (
	CommitPending   = "pending"
	CommitSubmitted = "submitted"
	CommitFailed    = "failed"
)

// PriceBar represents a persisted OHLC bar for one asset.
type PriceBar struct {
	AssetID   string
	BarTS     time.Time
	Open      int64
	High      int64
	Low       int64
	Close     int64
	Volume    int64
	Error     *string
	UpdatedAt time.Time
}

// AggregateSnapshot archives the metrics that produced one derived price.
type AggregateSnapshot struct {
	ID        int64
	TickID    string
	AssetID   string
	Price     int64
	Metrics   json.RawMessage
	CreatedAt time.Time
}

// MetricCommit is an outbox row asking an external submitter to commit
// aggregate metrics to the ledger.
type MetricCommit struct {
	ID        int64
	TickID    string
	AssetID   string
	Payload   json.RawMessage
	Status    string
	CreatedAt time.Time
}

// ContributionRef is a durable registration of a content reference for an asset.
type ContributionRef struct {
	AssetID   string
	Ref       string
	IndexedAt time.Time
}

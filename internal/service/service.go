package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"engagement-pricer/internal/alerting"
	"engagement-pricer/internal/attestation"
	"engagement-pricer/internal/broadcast"
	"engagement-pricer/internal/contribution"
	"engagement-pricer/internal/ledger"
	"engagement-pricer/internal/pricing"
	"engagement-pricer/internal/scheduler"
	"engagement-pricer/internal/storage"
)

// ErrAssetMismatch indicates a contribution stored for a different asset.
var ErrAssetMismatch = errors.New("service: contribution belongs to another asset")

// ContributionLoader fetches and decodes a stored contribution.
type ContributionLoader interface {
	Load(ctx context.Context, ref string) (contribution.Contribution, error)
}

// Verifier filters contributions down to the authentically signed ones.
type Verifier interface {
	VerifyAll(ctx context.Context, cs []contribution.Contribution) ([]contribution.Verified, int)
}

// Deps are the collaborators of the pipeline. Optional ones may be nil.
type Deps struct {
	Ledger        ledger.Client
	Contributions contribution.Repository
	Loader        ContributionLoader
	Verifier      Verifier
	Engine        *pricing.Engine
	Broadcaster   *broadcast.Broadcaster

	Attestation attestation.Fetcher
	Bars        storage.PriceBarStore
	Snapshots   storage.SnapshotStore
	Committer   storage.MetricCommitter
	Refs        storage.RefStore
	Locker      storage.AdvisoryLocker
	Notifier    alerting.Notifier
}

// Options tune a tick.
type Options struct {
	AssetConcurrency int
	UserWeight       float64
	LockKey          int64
	CallTimeout      time.Duration
	CommitMetrics    bool
	AlertsEnabled    bool
	AlertChannels    []string
	Now              func() time.Time
}

// Service runs the engagement pricing pipeline on a schedule.
type Service struct {
	scheduler *scheduler.Scheduler
	deps      Deps
	opts      Options
	logger    zerolog.Logger

	running atomic.Bool

	mu       sync.Mutex
	decoded  map[string]contribution.Contribution
	verified map[string]int
}

// New constructs the pipeline service.
func New(sched *scheduler.Scheduler, deps Deps, opts Options, logger zerolog.Logger) (*Service, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger client not configured")
	case deps.Contributions == nil:
		return nil, fmt.Errorf("contribution repository not configured")
	case deps.Loader == nil:
		return nil, fmt.Errorf("contribution loader not configured")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("signature verifier not configured")
	case deps.Engine == nil:
		return nil, fmt.Errorf("price engine not configured")
	case deps.Broadcaster == nil:
		return nil, fmt.Errorf("broadcaster not configured")
	}

	if opts.AssetConcurrency <= 0 {
		opts.AssetConcurrency = 8
	}
	if opts.UserWeight <= 0 || opts.UserWeight > 1 {
		opts.UserWeight = 0.6
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		scheduler: sched,
		deps:      deps,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		decoded:   make(map[string]contribution.Contribution),
		verified:  make(map[string]int),
	}, nil
}

// Run begins the aligned tick loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket adapts Tick to the scheduler callback.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	if report := s.Tick(ctx); report.Skipped {
		s.logger.Info().Time("bucket", bucket).Str("reason", report.SkipReason).Msg("tick skipped")
	}
	return nil
}

// Tick runs one full pass over every tracked asset. A tick started while
// another is in flight is skipped.
func (s *Service) Tick(ctx context.Context) TickReport {
	report := TickReport{ID: uuid.NewString(), StartedAt: s.opts.Now().UTC()}
	log := s.logger.With().Str("tick_id", report.ID).Logger()

	if !s.running.CompareAndSwap(false, true) {
		report.Skipped = true
		report.SkipReason = "previous tick still running"
		log.Warn().Msg("tick skipped: previous tick still running")
		return report
	}
	defer s.running.Store(false)

	unlock, proceed := s.acquireLock(ctx, log)
	if !proceed {
		report.Skipped = true
		report.SkipReason = "advisory lock held elsewhere"
		log.Debug().Msg("skip tick because advisory lock held elsewhere")
		return report
	}
	if unlock != nil {
		defer unlock()
	}

	assets := s.trackedAssets(ctx, log)
	report.Results = s.fanOut(ctx, report.ID, assets)

	s.publish(report.ID, &report)
	s.persist(ctx, report.ID, report.Results)
	report.tally()
	report.Duration = time.Since(report.StartedAt)

	log.Info().
		Int("assets", report.Assets).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("rejected", report.Rejected).
		Int("omitted", report.Omitted).
		Int("commit_failures", report.CommitFailures).
		Int("delivered", report.Delivered).
		Dur("duration", report.Duration).
		Msg("tick complete")

	s.alert(ctx, report)
	return report
}

// Running reports whether a tick is in flight.
func (s *Service) Running() bool {
	return s.running.Load()
}

func (s *Service) acquireLock(ctx context.Context, log zerolog.Logger) (func(), bool) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		log.Warn().Err(err).Msg("advisory lock unavailable; continuing with in-process guard only")
		return nil, true
	}
	if !acquired {
		return nil, false
	}
	return unlock, true
}

// trackedAssets asks the ledger for the asset list, falling back to every
// asset already known locally when the ledger is unreachable.
func (s *Service) trackedAssets(ctx context.Context, log zerolog.Logger) []string {
	ledgerCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	assets, err := s.deps.Ledger.TrackedAssets(ledgerCtx)
	cancel()
	if err == nil {
		return dedupe(assets)
	}

	log.Warn().Err(err).Msg("fetch tracked assets failed; using known assets")
	known := append(s.deps.Engine.Assets(), s.deps.Contributions.Assets()...)
	if s.deps.Refs != nil {
		// The ledger may have spent its whole budget; the store gets its own.
		storeCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		stored, err := s.deps.Refs.RefAssets(storeCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("list registered assets failed")
		} else {
			known = append(known, stored...)
		}
	}
	return dedupe(known)
}

func (s *Service) publish(tickID string, report *TickReport) {
	updates := make([]broadcast.Update, 0, len(report.Results))
	for _, res := range report.Results {
		updates = append(updates, broadcast.UpdateFromState(res.State))
	}
	delivered, removed, err := s.deps.Broadcaster.Publish(broadcast.Message{
		TickID:    tickID,
		Timestamp: s.opts.Now().UTC(),
		Updates:   updates,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("tick_id", tickID).Msg("broadcast failed")
		return
	}
	report.Delivered = delivered
	if removed > 0 {
		s.logger.Debug().Str("tick_id", tickID).Int("removed", removed).Msg("dropped unreachable subscribers")
	}
}

func (s *Service) alert(ctx context.Context, report TickReport) {
	if !s.opts.AlertsEnabled || s.deps.Notifier == nil || report.Failed == 0 {
		return
	}

	note := alerting.Notification{
		TickID:       report.ID,
		At:           report.StartedAt,
		Assets:       report.Assets,
		Succeeded:    report.Succeeded,
		CommitFailed: report.CommitFailures,
		Channels:     s.opts.AlertChannels,
	}
	for _, res := range report.Results {
		if res.Failed() {
			note.Failed = append(note.Failed, alerting.FailedAsset{AssetID: res.AssetID, Price: res.Price, Error: res.Err.Error()})
		}
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("tick_id", report.ID).Msg("failed to dispatch alert")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

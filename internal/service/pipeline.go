package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"engagement-pricer/internal/aggregate"
	"engagement-pricer/internal/attestation"
	"engagement-pricer/internal/contribution"
	"engagement-pricer/internal/ledger"
	"engagement-pricer/internal/pricing"
	"engagement-pricer/internal/storage"
)

// fanOut runs every asset concurrently and waits for all of them. A failed
// asset never cancels its siblings.
func (s *Service) fanOut(ctx context.Context, tickID string, assets []string) []AssetResult {
	results := make([]AssetResult, len(assets))

	var g errgroup.Group
	g.SetLimit(s.opts.AssetConcurrency)
	for i, id := range assets {
		g.Go(func() error {
			results[i] = s.processAsset(ctx, tickID, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) processAsset(ctx context.Context, tickID, assetID string) (res AssetResult) {
	log := s.logger.With().Str("tick_id", tickID).Str("asset_id", assetID).Logger()
	res.AssetID = assetID

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("derivation panic: %v", r)
			res.State = s.deps.Engine.Fail(assetID, res.Err)
			res.Price = res.State.Price
		}
	}()

	s.deps.Engine.Observe(assetID)
	s.syncRefs(ctx, assetID, log)

	contribs, omitted := s.contributionsFor(ctx, assetID, log)
	verified, rejected := s.deps.Verifier.VerifyAll(ctx, contribs)
	res.Verified, res.Rejected, res.Omitted = len(verified), rejected, omitted

	metrics := aggregate.Aggregate(verified, s.opts.Now().UTC())
	external := aggregate.CombineExternal(s.externalRecords(ctx, assetID, log))
	res.Metrics = aggregate.Blend(metrics, external, s.opts.UserWeight)

	d, err := s.deps.Engine.Derive(assetID, res.Metrics.Metrics, res.Metrics.External)
	if err != nil {
		res.Err = err
		res.State = s.deps.Engine.Fail(assetID, err)
		res.Price = res.State.Price
		return res
	}

	res.Derivation = d
	res.Volume = s.volume(assetID, len(verified))
	res.State = s.deps.Engine.Record(assetID, d, res.Volume)
	res.Price = res.State.Price

	log.Debug().
		Int64("price", res.Price).
		Int64("score", d.Score).
		Bool("clamped", d.Clamped).
		Float64("decay", d.Decay).
		Int("verified", res.Verified).
		Int("rejected", res.Rejected).
		Int("omitted", res.Omitted).
		Int("external_sources", external.Sources).
		Msg("asset priced")
	return res
}

// contributionsFor resolves the asset's indexed refs into decoded
// contributions. Refs that cannot be loaded are counted as omitted.
func (s *Service) contributionsFor(ctx context.Context, assetID string, log zerolog.Logger) ([]contribution.Contribution, int) {
	q, err := s.deps.Contributions.Query(ctx, assetID, nil)
	if err != nil {
		log.Warn().Err(err).Msg("query contributions failed")
		return nil, 0
	}

	omitted := len(q.Omitted)
	out := make([]contribution.Contribution, 0, len(q.Refs))
	for _, ref := range q.Refs {
		c, err := s.load(ctx, ref)
		if err != nil {
			omitted++
			log.Warn().Err(err).Str("ref", ref).Msg("contribution unavailable; omitted this tick")
			continue
		}
		if c.AssetID != assetID {
			omitted++
			log.Warn().Str("ref", ref).Str("stored_asset", c.AssetID).Msg("contribution indexed under wrong asset")
			continue
		}
		out = append(out, c)
	}
	return out, omitted
}

// load returns the decoded contribution for ref, reading the blob store only
// on the first request since stored contributions never change.
func (s *Service) load(ctx context.Context, ref string) (contribution.Contribution, error) {
	s.mu.Lock()
	c, ok := s.decoded[ref]
	s.mu.Unlock()
	if ok {
		return c, nil
	}
	return s.fetch(ctx, ref)
}

func (s *Service) fetch(ctx context.Context, ref string) (contribution.Contribution, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	c, err := s.deps.Loader.Load(callCtx, ref)
	if err != nil {
		return contribution.Contribution{}, err
	}

	s.mu.Lock()
	s.decoded[ref] = c
	s.mu.Unlock()
	return c, nil
}

// volume counts contributions verified since the previous tick.
func (s *Service) volume(assetID string, verified int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.verified[assetID]
	s.verified[assetID] = verified
	if verified <= prev {
		return 0
	}
	return int64(verified - prev)
}

// externalRecords queries every attestation source concurrently. A source
// that errors contributes nothing.
func (s *Service) externalRecords(ctx context.Context, assetID string, log zerolog.Logger) []attestation.Record {
	if s.deps.Attestation == nil {
		return nil
	}

	sources := s.deps.Attestation.Sources()
	records := make([]*attestation.Record, len(sources))

	var g errgroup.Group
	for i, name := range sources {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("source", name).Interface("panic", r).Msg("external metrics source panicked")
				}
			}()
			callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
			defer cancel()
			rec, err := s.deps.Attestation.Fetch(callCtx, assetID, name)
			if err != nil {
				log.Warn().Err(err).Str("source", name).Msg("external metrics unavailable")
				return nil
			}
			records[i] = &rec
			return nil
		})
	}
	_ = g.Wait()

	out := make([]attestation.Record, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// syncRefs indexes refs published by the ledger or registered durably that
// are not yet in the in-memory index.
func (s *Service) syncRefs(ctx context.Context, assetID string, log zerolog.Logger) {
	var refs []string

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	fromLedger, err := ledger.ContributionRefs(callCtx, s.deps.Ledger, assetID)
	cancel()
	switch {
	case err == nil:
		refs = append(refs, fromLedger...)
	case !errors.Is(err, ledger.ErrUnsupported):
		log.Warn().Err(err).Msg("list ledger contribution refs failed")
	}

	if s.deps.Refs != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		stored, err := s.deps.Refs.ContributionRefs(callCtx, assetID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("list stored contribution refs failed")
		} else {
			refs = append(refs, stored...)
		}
	}

	for _, ref := range refs {
		if ref == "" || s.deps.Contributions.Contains(assetID, ref) {
			continue
		}
		if _, err := s.index(ctx, assetID, ref); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("index contribution failed; retrying next tick")
		}
	}
}

// Ingest fetches the contribution stored under ref, indexes it for assetID
// and registers it durably when storage is configured. Re-ingesting an
// indexed ref refreshes its cached metadata. It reports whether the ref was new.
func (s *Service) Ingest(ctx context.Context, assetID, ref string) (bool, error) {
	assetID, ref = strings.TrimSpace(assetID), strings.TrimSpace(ref)
	if assetID == "" || ref == "" {
		return false, fmt.Errorf("asset id and content ref are required")
	}

	added, err := s.index(ctx, assetID, ref)
	if err != nil {
		return false, err
	}

	if s.deps.Refs != nil {
		if _, err := s.deps.Refs.InsertContributionRef(ctx, assetID, ref); err != nil {
			return added, fmt.Errorf("persist contribution ref: %w", err)
		}
	}

	s.logger.Info().Str("asset_id", assetID).Str("ref", ref).Bool("new", added).Msg("contribution indexed")
	return added, nil
}

func (s *Service) index(ctx context.Context, assetID, ref string) (bool, error) {
	c, err := s.fetch(ctx, ref)
	if err != nil {
		return false, err
	}
	if c.AssetID != assetID {
		return false, fmt.Errorf("%w: %s is stored for %s", ErrAssetMismatch, ref, c.AssetID)
	}
	return s.deps.Contributions.Index(assetID, ref, c.Metadata()), nil
}

type commitPayload struct {
	TickID     string             `json:"tick_id"`
	AssetID    string             `json:"asset_id"`
	Price      int64              `json:"price"`
	Metrics    aggregate.Combined `json:"metrics"`
	Verified   int                `json:"verified"`
	Rejected   int                `json:"rejected"`
	Derivation pricing.Derivation `json:"derivation"`
}

// persist archives bars for every asset, and snapshots plus metric commits for
// the derived ones. A failed commit is recorded on its asset only.
func (s *Service) persist(ctx context.Context, tickID string, results []AssetResult) {
	for i := range results {
		res := &results[i]
		log := s.logger.With().Str("tick_id", tickID).Str("asset_id", res.AssetID).Logger()

		if s.deps.Bars != nil {
			if err := s.withTimeout(ctx, func(ctx context.Context) error {
				return s.deps.Bars.UpsertPriceBar(ctx, priceBar(*res))
			}); err != nil {
				log.Error().Err(err).Msg("failed to upsert price bar")
			}
		}

		if res.Failed() {
			continue
		}

		payload, err := json.Marshal(commitPayload{
			TickID:     tickID,
			AssetID:    res.AssetID,
			Price:      res.Price,
			Metrics:    res.Metrics,
			Verified:   res.Verified,
			Rejected:   res.Rejected,
			Derivation: res.Derivation,
		})
		if err != nil {
			log.Error().Err(err).Msg("marshal metrics payload")
			continue
		}

		if s.deps.Snapshots != nil {
			if err := s.withTimeout(ctx, func(ctx context.Context) error {
				return s.deps.Snapshots.InsertSnapshot(ctx, storage.AggregateSnapshot{
					TickID:  tickID,
					AssetID: res.AssetID,
					Price:   res.Price,
					Metrics: payload,
				})
			}); err != nil {
				log.Error().Err(err).Msg("failed to archive aggregate snapshot")
			}
		}

		if s.opts.CommitMetrics && s.deps.Committer != nil {
			res.CommitErr = s.withTimeout(ctx, func(ctx context.Context) error {
				_, err := s.deps.Committer.CommitMetrics(ctx, storage.MetricCommit{
					TickID:  tickID,
					AssetID: res.AssetID,
					Payload: payload,
					Status:  storage.CommitPending,
				})
				return err
			})
			if res.CommitErr != nil {
				log.Error().Err(res.CommitErr).Msg("metric commit failed")
			}
		}
	}
}

func (s *Service) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

func priceBar(res AssetResult) storage.PriceBar {
	bar := res.State.Bar
	out := storage.PriceBar{
		AssetID: res.AssetID,
		BarTS:   bar.Timestamp,
		Open:    bar.Open,
		High:    bar.High,
		Low:     bar.Low,
		Close:   bar.Close,
		Volume:  bar.Volume,
	}
	if res.State.Error != "" {
		msg := res.State.Error
		out.Error = &msg
	}
	return out
}

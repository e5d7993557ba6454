package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"engagement-pricer/internal/service"
	"engagement-pricer/internal/storage"
)

// Tick runs a single diagnostic pass and prints the per-asset outcome. Nothing
// is written to the database.
func (a *App) Tick(ctx context.Context) error {
	rt, err := a.build(ctx, nil, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	report := rt.service.Tick(ctx)
	if report.Skipped {
		return fmt.Errorf("tick skipped: %s", report.SkipReason)
	}
	return printReport(os.Stdout, report)
}

// Index registers content refs for an asset after checking that each one
// resolves to a contribution for that asset.
func (a *App) Index(ctx context.Context, assetID string, refs []string) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; registrations would not survive this process")
	}

	rt, err := a.build(ctx, nil, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	var failed int
	for _, ref := range refs {
		added, err := rt.service.Ingest(ctx, assetID, ref)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("asset_id", assetID).Str("ref", ref).Msg("index contribution failed")
			continue
		}
		status := "registered"
		if !added {
			status = "already indexed"
		}
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", assetID, ref, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d refs could not be indexed", failed, len(refs))
	}
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to migrate")
	}
	defer closeStore()

	applied, err := a.migrate(ctx, store)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(os.Stdout, "schema up to date")
	}
	return nil
}

func (a *App) migrate(ctx context.Context, store *storage.Store) ([]string, error) {
	applied, err := store.Migrate(ctx)
	if err != nil {
		return applied, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		a.Logger.Info().Str("migration", name).Msg("applied migration")
	}
	return applied, nil
}

func printReport(w io.Writer, report service.TickReport) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tPrice\tVolume\tVerified\tRejected\tOmitted\tError")
	for _, res := range report.Results {
		errMsg := ""
		if res.Err != nil {
			errMsg = sanitizeInline(res.Err.Error())
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			res.AssetID,
			res.Price,
			res.Volume,
			res.Verified,
			res.Rejected,
			res.Omitted,
			errMsg,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\ntick %s: %d assets, %d ok, %d failed in %s\n",
		report.ID, report.Assets, report.Succeeded, report.Failed, report.Duration)
	return err
}

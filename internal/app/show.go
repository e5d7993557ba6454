package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"engagement-pricer/internal/storage"
)

// Show prints recent price bars. With Latest set it prints the newest bar of
// every asset instead.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show price bars")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var bars []storage.PriceBar
	if opts.Latest {
		bars, err = store.LatestBars(ctx)
	} else {
		bars, err = store.ListRecentBars(ctx, opts.AssetID, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		fmt.Fprintln(os.Stdout, "no price bars found")
		return nil
	}

	return printBars(os.Stdout, bars)
}

// Pending prints metric commits that have not been submitted yet.
func (a *App) Pending(ctx context.Context, limit int) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list metric commits")
	}
	if closeStore != nil {
		defer closeStore()
	}

	commits, err := store.ListPendingCommits(ctx, limit)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		fmt.Fprintln(os.Stdout, "no pending metric commits")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tCreated (UTC)\tTick\tAsset\tBytes")
	for _, c := range commits {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%d\n",
			c.ID,
			c.CreatedAt.UTC().Format(time.RFC3339),
			c.TickID,
			c.AssetID,
			len(c.Payload),
		)
	}
	return writer.Flush()
}

func printBars(w io.Writer, bars []storage.PriceBar) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Bar (UTC)\tAsset\tOpen\tHigh\tLow\tClose\tVolume\tError")

	for _, bar := range bars {
		errMsg := ""
		if bar.Error != nil {
			errMsg = sanitizeInline(*bar.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			bar.BarTS.UTC().Format(time.RFC3339),
			bar.AssetID,
			bar.Open,
			bar.High,
			bar.Low,
			bar.Close,
			bar.Volume,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

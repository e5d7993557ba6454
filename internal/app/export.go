package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"engagement-pricer/internal/storage"
)

// Export renders an asset's bar history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.AssetID == "" {
		return errors.New("--asset must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Pricing.BarPeriod)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	bars, err := store.ListBarsBetween(ctx, opts.AssetID, from, to)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		a.Logger.Info().Str("asset_id", opts.AssetID).Msg("no price bars found for export window")
		return nil
	}

	downsampled := downsampleBars(bars, opts.MaxPoints)
	a.Logger.Info().Str("asset_id", opts.AssetID).Int("total", len(bars)).Int("exported", len(downsampled)).Msg("exporting price bars")

	if opts.CSVPath != "" {
		if err := writeBarsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeBarsPNG(opts.PNGPath, opts.AssetID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleBars(bars []storage.PriceBar, max int) []storage.PriceBar {
	if max <= 0 || len(bars) <= max {
		return bars
	}
	if max == 1 {
		return bars[len(bars)-1:]
	}

	result := make([]storage.PriceBar, 0, max)
	step := float64(len(bars)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(bars) {
			idx = len(bars) - 1
		}
		result = append(result, bars[idx])
	}
	return result
}

func writeBarsCSV(path string, bars []storage.PriceBar) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bar_ts", "asset_id", "open", "high", "low", "close", "volume", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, bar := range bars {
		errMsg := ""
		if bar.Error != nil {
			errMsg = *bar.Error
		}
		record := []string{
			bar.BarTS.UTC().Format(time.RFC3339),
			bar.AssetID,
			strconv.FormatInt(bar.Open, 10),
			strconv.FormatInt(bar.High, 10),
			strconv.FormatInt(bar.Low, 10),
			strconv.FormatInt(bar.Close, 10),
			strconv.FormatInt(bar.Volume, 10),
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeBarsPNG(path, assetID string, bars []storage.PriceBar) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(bars))
	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	volume := make([]float64, len(bars))

	for i, bar := range bars {
		x[i] = bar.BarTS
		high[i] = float64(bar.High)
		low[i] = float64(bar.Low)
		closes[i] = float64(bar.Close)
		volume[i] = float64(bar.Volume)
	}

	intFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  assetID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: intFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume",
			ValueFormatter: intFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "High",
				XValues: x,
				YValues: high,
			},
			chart.TimeSeries{
				Name:    "Low",
				XValues: x,
				YValues: low,
			},
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volume,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

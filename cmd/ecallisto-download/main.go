// ecallisto-download - Mirror e-Callisto spectrogram files for a date range
//
// Lists each day directory of the archive between -start and -end, keeps
// the .fit.gz files matching -instrument, and downloads them to
// {dir}/YYYY/MM/DD/. Files already present with a plausible size are
// skipped, so an interrupted run can simply be restarted.
//
// Source: http://soleil.i4ds.ch/solarradio/data/2002-20yy_Callisto/
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/ecallisto-download ./cmd/ecallisto-download

package main

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/cli"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/fetch"
	"github.com/KI7MT/ecallisto-lab-apps/internal/httpx"
	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
)

var Version = "1.0.0"

var listOnly bool

func main() {
	cli.Main("ecallisto-download", Version, "e-Callisto archive downloader",
		func(app *cli.App) {
			app.Flags.BoolVar(&listOnly, "list", false, "Print matching file URLs and exit without downloading")
		},
		run)
}

func run(ctx context.Context, app *cli.App) error {
	cfg := app.Config
	if !listOnly {
		app.Header("Archive", cfg.ArchiveURL)
	}

	client := httpx.New(httpx.OptionsFrom(cfg), app.Log)
	scanner, err := catalog.New(client, cfg.ArchiveURL, app.Log)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfig, err)
	}

	filter := catalog.NewFilter(cfg.Instruments())
	urls, err := scanner.Scan(ctx, common.Days(cfg.StartDate, cfg.EndDate), filter)
	if err != nil {
		return err
	}
	if listOnly {
		for _, u := range urls {
			fmt.Fprintln(app.Stdout, u)
		}
		return nil
	}
	app.Log.Info().Int("files", len(urls)).Str("filter", filter.String()).Msg("archive listing complete")

	mat := fetch.New(client, cfg.DataDir, app.Log)
	stats := common.NewStats()
	stats.SetSilent(cfg.Silent)
	mat.Stats = stats
	stats.StartReporter()

	var cached atomic.Int64
	start := time.Now()
	outcomes := pool.New(cfg.Workers, cfg.ChunkSize, app.Log).Run(ctx, urls, func(ctx context.Context, u string) (int64, error) {
		_, hit, err := mat.Fetch(ctx, u)
		if err != nil {
			stats.FileFailed()
			return 0, err
		}
		if hit {
			cached.Add(1)
		}
		stats.FileDone(0)
		return 0, nil
	})
	stats.StopReporter()

	sum := pool.Summarize(outcomes)
	for _, o := range sum.Failures {
		app.Log.Warn().Err(o.Err).Str("file", path.Base(o.Item)).Msg("download failed")
	}

	elapsed := time.Since(start)
	snap := stats.Snapshot()
	app.Banner("Download Summary",
		"Listed", fmt.Sprint(len(urls)),
		"Downloaded", fmt.Sprint(int64(sum.OK)-cached.Load()),
		"Cached", fmt.Sprint(cached.Load()),
		"Failed", fmt.Sprint(sum.Failed),
		"Bytes", fmt.Sprintf("%.1f MB", float64(snap.Bytes)/1e6),
		"Elapsed", elapsed.Round(time.Millisecond).String(),
		"Throughput", fmt.Sprintf("%.2f MB/sec", float64(snap.Bytes)/1e6/max(elapsed.Seconds(), 1e-3)),
	)
	if err := ctx.Err(); err != nil {
		return err
	}
	if sum.Failed > 0 && sum.OK == 0 {
		return fmt.Errorf("all %d downloads failed", sum.Failed)
	}
	return nil
}

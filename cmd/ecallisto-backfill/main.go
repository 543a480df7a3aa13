// ecallisto-backfill - Keep instrument tables current with the e-Callisto archive
//
// Each cycle rescans the trailing -recent-days window for new files, then
// extends every instrument table one -days-chunk step past its stored
// range in both directions, bounded by -start and -end. Cycles repeat
// until one inserts no rows and no backfill is left, or -max-cycles is
// reached.
//
// Files already handled in the recent window are remembered in
// {dir}/processed.parquet so a restart does not download them again.
//
// Source: http://soleil.i4ds.ch/solarradio/data/2002-20yy_Callisto/
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/ecallisto-backfill ./cmd/ecallisto-backfill

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/cli"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/fetch"
	"github.com/KI7MT/ecallisto-lab-apps/internal/httpx"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ingest"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ledger"
	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
	"github.com/KI7MT/ecallisto-lab-apps/internal/schema"
	"github.com/KI7MT/ecallisto-lab-apps/internal/scheduler"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

var Version = "1.0.0"

var maxCycles int

func main() {
	cli.Main("ecallisto-backfill", Version, "e-Callisto archive backfill scheduler",
		func(app *cli.App) {
			app.Flags.IntVar(&maxCycles, "max-cycles", 0, "Stop after this many cycles (0 = until no progress)")
		},
		run)
}

func run(ctx context.Context, app *cli.App) error {
	cfg := app.Config
	app.Header(
		"Recent days", fmt.Sprint(cfg.RecentDays),
		"Days/step", fmt.Sprint(cfg.DaysChunk),
		"Max cycles", fmt.Sprint(maxCycles),
	)

	db, err := store.Open(ctx, cfg, app.Log)
	if err != nil {
		return err
	}
	defer db.Close()

	led, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		// A damaged ledger only costs re-downloads.
		app.Log.Warn().Err(err).Str("path", cfg.LedgerPath()).Msg("starting with an empty ledger")
		led = ledger.New(cfg.LedgerPath())
	}

	client := httpx.New(httpx.OptionsFrom(cfg), app.Log)
	scanner, err := catalog.New(client, cfg.ArchiveURL, app.Log)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfig, err)
	}
	mat := fetch.New(client, cfg.DataDir, app.Log)
	engine := ingest.New(db, schema.New(db, app.Log), app.Log)

	stats := common.NewStats()
	stats.SetSilent(cfg.Silent)
	mat.Stats = stats
	stats.StartReporter()

	opts := scheduler.OptionsFrom(cfg)
	opts.MaxCycles = maxCycles
	sched := scheduler.New(opts, scanner, mat, engine, db, pool.New(cfg.Workers, cfg.ChunkSize, app.Log), led, stats, app.Log)

	start := time.Now()
	sum, err := sched.Run(ctx)
	stats.StopReporter()
	if serr := led.Save(); serr != nil {
		app.Log.Error().Err(serr).Msg("saving ledger")
	}

	elapsed := time.Since(start)
	snap := stats.Snapshot()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(sum.Rows) / elapsed.Seconds()
	}
	app.Banner("Backfill Summary",
		"Cycles", fmt.Sprint(sum.Cycles),
		"Files", fmt.Sprint(sum.Files),
		"Failed", fmt.Sprint(sum.Failed),
		"Rows", fmt.Sprint(sum.Rows),
		"Downloaded", fmt.Sprintf("%.1f MB", float64(snap.Bytes)/1e6),
		"Ledger", fmt.Sprintf("%d entries", led.Len()),
		"Elapsed", elapsed.Round(time.Millisecond).String(),
		"Rate", fmt.Sprintf("%.0f rows/sec", rate),
		"Final state", sched.State().String(),
	)
	return err
}

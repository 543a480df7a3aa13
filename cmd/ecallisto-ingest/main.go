// ecallisto-ingest - Load local e-Callisto spectrograms into the database
//
// Ingests the .fit.gz files given as arguments or, with none given, every
// file under {dir}/YYYY/MM/DD/ for the days between -start and -end that
// matches -instrument. Each instrument gets its own table with one
// SMALLINT column per frequency channel; new channels are added as they
// appear and rows whose timestamp is already stored are skipped.
//
// With -describe nothing is written: the header values shared by every
// file of an instrument are printed instead.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/ecallisto-ingest ./cmd/ecallisto-ingest

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/cli"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ingest"
	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
	"github.com/KI7MT/ecallisto-lab-apps/internal/schema"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

var Version = "1.0.0"

var describe bool

func main() {
	cli.Main("ecallisto-ingest", Version, "e-Callisto spectrogram ingester",
		func(app *cli.App) {
			app.Flags.BoolVar(&describe, "describe", false, "Print the constant FITS header of each instrument instead of ingesting")
		},
		run)
}

func run(ctx context.Context, app *cli.App) error {
	cfg := app.Config
	paths, err := collect(cfg, app.Flags.Args())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		app.Log.Warn().Str("dir", cfg.DataDir).Msg("no .fit.gz files found")
		return nil
	}

	if describe {
		return printHeaders(app, paths)
	}

	app.Header("Files", fmt.Sprint(len(paths)))
	db, err := store.Open(ctx, cfg, app.Log)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := ingest.New(db, schema.New(db, app.Log), app.Log)
	stats := common.NewStats()
	stats.SetSilent(cfg.Silent)
	stats.StartReporter()

	p := pool.New(cfg.Workers, cfg.ChunkSize, app.Log)
	p.OnDone = func(o pool.Outcome) {
		if o.Err == nil {
			stats.FileDone(o.Rows)
		} else {
			stats.FileFailed()
		}
	}

	start := time.Now()
	outcomes, err := engine.Batch(ctx, p, paths)
	stats.StopReporter()

	sum := pool.Summarize(outcomes)
	elapsed := time.Since(start)
	app.Banner("Ingest Summary",
		"Files", fmt.Sprint(sum.Total),
		"Ingested", fmt.Sprint(sum.OK),
		"Failed", fmt.Sprint(sum.Failed),
		"Canceled", fmt.Sprint(sum.Canceled),
		"Rows", fmt.Sprint(sum.Rows),
		"Elapsed", elapsed.Round(time.Millisecond).String(),
		"Rate", fmt.Sprintf("%.0f rows/sec", float64(sum.Rows)/max(elapsed.Seconds(), 1e-3)),
	)
	if err != nil {
		return err
	}
	if sum.Failed > 0 && sum.OK == 0 {
		return fmt.Errorf("none of %d files could be ingested", sum.Failed)
	}
	return nil
}

// collect returns the explicit paths, or the matching files of the local
// tree for the configured days.
func collect(cfg *common.Config, args []string) ([]string, error) {
	filter := catalog.NewFilter(cfg.Instruments())
	if len(args) > 0 {
		for _, a := range args {
			if _, err := os.Stat(a); err != nil {
				return nil, fmt.Errorf("%w: %v", common.ErrConfig, err)
			}
		}
		return args, nil
	}
	var out []string
	for _, day := range common.Days(cfg.StartDate, cfg.EndDate) {
		matches, err := filepath.Glob(filepath.Join(cfg.DayDir(day), "*"+catalog.Extension))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if filter.Match(filepath.Base(m)) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func printHeaders(app *cli.App, paths []string) error {
	engine := ingest.New(store.NewMemory(), nil, app.Log)
	groups := make(map[string][]string)
	for _, p := range paths {
		key := instrument.Resolve(p)
		groups[key] = append(groups[key], p)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		header, err := engine.Describe(groups[key])
		if err != nil {
			app.Log.Warn().Err(err).Str("instrument", key).Msg("no readable file")
			continue
		}
		cards := make([]string, 0, len(header))
		for k := range header {
			cards = append(cards, k)
		}
		sort.Strings(cards)
		pairs := make([]string, 0, 2*len(cards))
		for _, k := range cards {
			pairs = append(pairs, k, header[k])
		}
		app.Banner(fmt.Sprintf("%s (%d files)", key, len(groups[key])), pairs...)
	}
	return nil
}

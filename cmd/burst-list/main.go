// burst-list - Print e-CALLISTO burst list events for a date range
//
// Downloads the monthly burst lists covering -start to -end and prints one
// tab-separated line per event: date, time range, type, instruments.
// -instrument keeps events observed by a matching instrument; -classic
// keeps type I to VI bursts only.
//
// Source: http://soleil.i4ds.ch/solarradio/data/BurstLists/2010-yyyy_Monstein/
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/burst-list ./cmd/burst-list

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/burst"
	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/cli"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/httpx"
)

var Version = "1.0.0"

var classic bool

func main() {
	cli.Main("burst-list", Version, "e-CALLISTO burst list reader",
		func(app *cli.App) {
			app.Flags.BoolVar(&classic, "classic", false, "Only type I to VI bursts")
		},
		run)
}

func run(ctx context.Context, app *cli.App) error {
	cfg := app.Config
	client := httpx.New(httpx.OptionsFrom(cfg), app.Log)
	filter := catalog.NewFilter(cfg.Instruments())

	printed := 0
	for _, month := range months(cfg.StartDate, cfg.EndDate) {
		bursts, err := burst.Fetch(ctx, client, cfg.BurstURL, month.Year(), month.Month())
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case httpx.IsNotFound(err):
			app.Log.Info().Str("month", month.Format("2006-01")).Msg("no burst list published")
			continue
		case err != nil:
			return err
		}
		if classic {
			bursts = burst.ClassicOnly(bursts)
		}
		for _, b := range bursts {
			if b.Date.Before(cfg.StartDate) || b.Date.After(cfg.EndDate) || !selected(filter, b) {
				continue
			}
			fmt.Fprintf(app.Stdout, "%s\t%s\t%s\t%s\n",
				b.Date.Format(common.DateLayout), b.Time, b.Type, strings.Join(b.Instruments, ", "))
			printed++
		}
	}
	app.Log.Info().Int("events", printed).Msg("burst list complete")
	return nil
}

func selected(f catalog.Filter, b burst.Burst) bool {
	if f.Empty() {
		return true
	}
	for _, in := range b.Instruments {
		if f.Match(in) {
			return true
		}
	}
	return false
}

// months returns the first day of every month touched by [start, end].
func months(start, end time.Time) []time.Time {
	var out []time.Time
	m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !m.After(end) {
		out = append(out, m)
		m = m.AddDate(0, 1, 0)
	}
	return out
}

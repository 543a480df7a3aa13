package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

// Batch ingests paths on p. For every instrument without a table, files
// are tried one at a time until one ingests, so the table exists before
// the remaining files fan out. The result holds one outcome per path that
// was attempted, and p.OnDone sees each of them. The error is set only for
// cancellation or a connectivity failure while registering.
func (e *Engine) Batch(ctx context.Context, p *pool.Pool, paths []string) ([]pool.Outcome, error) {
	tables, err := e.store.Tables(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}

	groups := make(map[string][]string)
	for _, path := range paths {
		key := instrument.Resolve(path)
		groups[key] = append(groups[key], path)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []pool.Outcome
	record := func(o pool.Outcome) {
		out = append(out, o)
		if p.OnDone != nil {
			p.OnDone(o)
		}
	}
	var fanout []string
	for _, key := range keys {
		files := groups[key]
		sort.Strings(files)
		if known[key] {
			fanout = append(fanout, files...)
			continue
		}

		start := time.Now()
		rep, idx, errs := e.firstIngest(ctx, files)
		for i, err := range errs {
			record(pool.Outcome{Item: files[i], Err: err})
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if idx < 0 {
			e.log.Error().Str("instrument", key).Int("candidates", len(files)).Msg("no readable file, instrument not registered")
			for _, err := range errs {
				if errors.Is(err, store.ErrConnectivity) {
					return out, err
				}
			}
			continue
		}
		record(pool.Outcome{Item: files[idx], Rows: rep.Rows, Duration: time.Since(start)})
		fanout = append(fanout, files[idx+1:]...)
	}

	out = append(out, p.Run(ctx, fanout, func(ctx context.Context, path string) (int64, error) {
		rep, err := e.IngestFile(ctx, path)
		return rep.Rows, err
	})...)
	return out, ctx.Err()
}

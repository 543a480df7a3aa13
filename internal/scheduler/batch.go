package scheduler

import (
	"context"
	"errors"
	"path"
	"sync"

	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ledger"
	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
	"github.com/KI7MT/ecallisto-lab-apps/internal/spectro"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

type batchResult struct {
	files  int
	rows   int64
	failed int
}

// process downloads urls as one batch and hands the files to the engine.
// Files recorded in the ledger are skipped. owner, when set, claims any
// table the batch creates.
func (s *Scheduler) process(ctx context.Context, label string, urls []string, owner *cursor) (batchResult, error) {
	var res batchResult
	var todo []string
	for _, u := range urls {
		if s.ledger == nil || !s.ledger.Has(u) {
			todo = append(todo, u)
		}
	}
	if len(todo) == 0 {
		return res, nil
	}

	// Downloads run as their own batch before any ingestion.
	var mu sync.Mutex
	local := make(map[string]string, len(todo))
	dl := pool.Summarize(s.pool.Run(ctx, todo, func(ctx context.Context, u string) (int64, error) {
		p, _, err := s.fetcher.Fetch(ctx, u)
		if err != nil {
			return 0, err
		}
		mu.Lock()
		local[p] = u
		mu.Unlock()
		return 0, nil
	}))
	dl.Log(s.log, label+" download")
	res.failed += dl.Failed
	if err := ctx.Err(); err != nil {
		return res, err
	}

	known, err := s.tables(ctx)
	if err != nil {
		return res, err
	}
	paths := make([]string, 0, len(local))
	for p := range local {
		paths = append(paths, p)
	}
	outcomes, err := s.engine.Batch(ctx, s.pool, paths)
	sum := pool.Summarize(outcomes)
	sum.Log(s.log, label)
	res.files += sum.OK
	res.rows += sum.Rows
	res.failed += sum.Failed

	for _, o := range outcomes {
		key := instrument.Resolve(o.Item)
		switch {
		case o.Err == nil:
			s.done(local[o.Item], key, ledger.ResultIngested, o.Rows)
			if owner != nil && !known[key] {
				s.owned[key] = true
			}
		case errors.Is(o.Err, spectro.ErrCorrupt):
			s.done(local[o.Item], key, ledger.ResultCorrupt, 0)
		case errors.Is(o.Err, store.ErrConnectivity) && err == nil:
			err = o.Err
		}
		if s.stats != nil {
			if o.Err == nil {
				s.stats.FileDone(o.Rows)
			} else {
				s.stats.FileFailed()
			}
		}
		s.cleanup(o.Item)
	}
	return res, err
}

func (s *Scheduler) tables(ctx context.Context) (map[string]bool, error) {
	names, err := s.store.Tables(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

// done records a handled file in the ledger.
func (s *Scheduler) done(u, key, result string, rows int64) {
	if s.ledger == nil || u == "" {
		return
	}
	day := ""
	if t, err := instrument.ObservedAt(path.Base(u)); err == nil {
		day = common.Day(t).Format(common.DateLayout)
	} else {
		day = s.opts.Now().UTC().Format(common.DateLayout)
	}
	s.ledger.Add(ledger.Entry{URL: u, Day: day, Instrument: key, Result: result, Rows: rows})
}

func (s *Scheduler) cleanup(p string) {
	if s.opts.Retain {
		return
	}
	if err := s.fetcher.Remove(p); err != nil {
		s.log.Warn().Err(err).Str("file", path.Base(p)).Msg("removing downloaded file")
	}
}

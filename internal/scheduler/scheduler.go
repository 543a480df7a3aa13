// Package scheduler drives the incremental pipeline: scan the recent
// archive window, backfill each instrument's gaps toward the requested
// bounds, and repeat until a cycle makes no progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ingest"
	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ledger"
	"github.com/KI7MT/ecallisto-lab-apps/internal/metrics"
	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

// State is the scheduler's position within a cycle.
type State int

const (
	StateScanningRecent State = iota
	StateBackfilling
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateScanningRecent:
		return "scanning_recent"
	case StateBackfilling:
		return "backfilling"
	case StateIdle:
		return "idle"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Lister lists archive file URLs for days. *catalog.Scanner implements it.
type Lister interface {
	Scan(ctx context.Context, days []time.Time, f catalog.Filter) ([]string, error)
}

// Fetcher materializes archive files locally. *fetch.Materializer
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, bool, error)
	Remove(path string) error
}

// Options bounds the work of a Scheduler.
type Options struct {
	Start, End  time.Time // requested days, inclusive
	RecentDays  int
	DaysChunk   int
	Instruments []string // filter entries; empty means every instrument
	Retain      bool     // keep downloaded files
	MaxCycles   int      // 0 means until no progress

	Now func() time.Time
}

// OptionsFrom maps validated configuration onto scheduler options.
func OptionsFrom(cfg *common.Config) Options {
	return Options{
		Start:       cfg.StartDate,
		End:         cfg.EndDate,
		RecentDays:  cfg.RecentDays,
		DaysChunk:   cfg.DaysChunk,
		Instruments: cfg.Instruments(),
		Retain:      cfg.Retain,
	}
}

// CycleReport describes one cycle.
type CycleReport struct {
	Cycle   int
	Files   int
	Rows    int64
	Failed  int
	Pending bool // some cursor still has days left
}

// Summary describes a whole Run.
type Summary struct {
	Cycles int
	Files  int
	Rows   int64
	Failed int
}

// Scheduler is not safe for concurrent use; run one per process.
type Scheduler struct {
	opts    Options
	filter  catalog.Filter
	lister  Lister
	fetcher Fetcher
	engine  *ingest.Engine
	store   store.Store
	pool    *pool.Pool
	ledger  *ledger.Ledger
	stats   *common.Stats
	log     zerolog.Logger

	state   State
	cycle   int
	cursors map[string]*cursor
	owned   map[string]bool // tables discovered by a filter cursor
}

// New returns a Scheduler. led and stats may be nil.
func New(opts Options, l Lister, f Fetcher, e *ingest.Engine, s store.Store, p *pool.Pool,
	led *ledger.Ledger, stats *common.Stats, log zerolog.Logger) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Start, opts.End = common.Day(opts.Start), common.Day(opts.End)
	opts.DaysChunk = max(opts.DaysChunk, 1)
	return &Scheduler{
		opts:    opts,
		filter:  catalog.NewFilter(opts.Instruments),
		lister:  l,
		fetcher: f,
		engine:  e,
		store:   s,
		pool:    p,
		ledger:  led,
		stats:   stats,
		log:     log.With().Str("component", "scheduler").Logger(),
		cursors: make(map[string]*cursor),
		owned:   make(map[string]bool),
	}
}

// State returns the current state.
func (s *Scheduler) State() State { return s.state }

// Run repeats cycles until one inserts no rows with no backfill left, the
// cycle limit is reached, or ctx is canceled. A store connectivity failure
// ends the run with an error wrapping store.ErrConnectivity.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for s.opts.MaxCycles == 0 || sum.Cycles < s.opts.MaxCycles {
		rep, err := s.Cycle(ctx)
		sum.Cycles++
		sum.Files += rep.Files
		sum.Rows += rep.Rows
		sum.Failed += rep.Failed
		if err != nil {
			return sum, err
		}
		if rep.Rows == 0 && !rep.Pending {
			s.log.Info().Int("cycles", sum.Cycles).Msg("no progress, stopping")
			break
		}
	}
	metrics.LastRunRows.Set(float64(sum.Rows))
	return sum, nil
}

// Cycle runs ScanningRecent, Backfilling and, when backfill did work, a
// second recent scan, then returns to Idle.
func (s *Scheduler) Cycle(ctx context.Context) (CycleReport, error) {
	s.cycle++
	rep := CycleReport{Cycle: s.cycle}
	defer func() { s.state = StateIdle }()

	s.state = StateScanningRecent
	b, err := s.scanRecent(ctx)
	rep.add(b)
	if err != nil {
		return rep, err
	}

	s.state = StateBackfilling
	b, worked, err := s.backfill(ctx)
	rep.add(b)
	if err != nil {
		return rep, err
	}

	if worked {
		s.state = StateScanningRecent
		b, err = s.scanRecent(ctx)
		rep.add(b)
		if err != nil {
			return rep, err
		}
	}

	for _, c := range s.cursors {
		if !c.done() {
			rep.Pending = true
			break
		}
	}
	metrics.SchedulerCycles.Inc()
	s.log.Info().Int("cycle", rep.Cycle).Int("files", rep.Files).Int64("rows", rep.Rows).
		Int("failed", rep.Failed).Bool("pending", rep.Pending).Msg("cycle complete")
	return rep, nil
}

func (r *CycleReport) add(b batchResult) {
	r.Files += b.files
	r.Rows += b.rows
	r.Failed += b.failed
}

// recentDays returns the trailing window ending today, clipped to the
// requested bounds.
func (s *Scheduler) recentDays() []time.Time {
	today := common.Day(s.opts.Now())
	lo := today.AddDate(0, 0, -(max(s.opts.RecentDays, 1) - 1))
	hi := today
	if lo.Before(s.opts.Start) {
		lo = s.opts.Start
	}
	if hi.After(s.opts.End) {
		hi = s.opts.End
	}
	return common.Days(lo, hi)
}

func (s *Scheduler) scanRecent(ctx context.Context) (batchResult, error) {
	days := s.recentDays()
	if len(days) == 0 {
		return batchResult{}, nil
	}
	urls, err := s.lister.Scan(ctx, days, s.filter)
	if err != nil {
		return batchResult{}, err
	}
	res, err := s.process(ctx, "recent", urls, nil)
	if s.ledger != nil {
		if n := s.ledger.Prune(days[0]); n > 0 {
			s.log.Debug().Int("entries", n).Msg("pruned ledger")
		}
		if serr := s.ledger.Save(); serr != nil {
			s.log.Error().Err(serr).Msg("saving ledger")
		}
	}
	return res, err
}

// backfill advances every cursor by one step. worked is false when no
// cursor had days left.
func (s *Scheduler) backfill(ctx context.Context) (batchResult, bool, error) {
	if err := s.refreshCursors(ctx); err != nil {
		return batchResult{}, false, err
	}
	keys := make([]string, 0, len(s.cursors))
	for k, c := range s.cursors {
		if !c.done() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var total batchResult
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return total, len(keys) > 0, err
		}
		c := s.cursors[key]
		days := c.step(s.opts.Start, s.opts.End, s.opts.DaysChunk)
		if len(days) == 0 {
			continue
		}
		s.log.Debug().Str("instrument", key).Str("from", days[0].Format(common.DateLayout)).
			Str("to", days[len(days)-1].Format(common.DateLayout)).Msg("backfilling")

		urls, err := s.lister.Scan(ctx, days, catalog.NewFilter([]string{instrument.Station(key)}))
		if err != nil {
			return total, true, err
		}
		var mine []string
		for _, u := range urls {
			if c.match(u) {
				mine = append(mine, u)
			}
		}
		res, err := s.process(ctx, "backfill "+key, mine, c)
		total.files += res.files
		total.rows += res.rows
		total.failed += res.failed
		if err != nil {
			return total, true, err
		}
	}
	return total, len(keys) > 0, nil
}

// refreshCursors adds cursors for tables and requested instruments not yet
// tracked.
func (s *Scheduler) refreshCursors(ctx context.Context) error {
	tables, err := s.store.Tables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if _, ok := s.cursors[t]; ok || s.owned[t] || !s.filter.Match(t) {
			continue
		}
		w, err := s.store.Watermark(ctx, t)
		if err != nil {
			if errors.Is(err, store.ErrNoTable) {
				continue
			}
			return err
		}
		s.cursors[t] = tableCursor(t, w, s.opts.Start, s.opts.End)
	}
	for _, entry := range s.opts.Instruments {
		if _, ok := s.cursors[entry]; ok {
			continue
		}
		f := catalog.NewFilter([]string{entry})
		known := false
		for _, t := range tables {
			if f.Match(t) {
				known = true
				break
			}
		}
		if !known {
			s.cursors[entry] = filterCursor(entry, s.opts.End)
		}
	}
	return nil
}

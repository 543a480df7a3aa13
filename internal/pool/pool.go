// Package pool runs per-file work on a bounded number of goroutines and
// reports an outcome for every item.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrPanic wraps a value recovered from a panicking task.
var ErrPanic = errors.New("task panicked")

// Task processes one item and returns the rows it produced.
type Task func(ctx context.Context, item string) (int64, error)

// Outcome is the result of one item.
type Outcome struct {
	Item     string
	Rows     int64
	Err      error
	Duration time.Duration
}

// Pool processes items in batches of ChunkSize with at most Workers tasks
// in flight. Cancellation is checked between batches.
type Pool struct {
	Workers   int
	ChunkSize int

	// OnDone, if set, is called after each task from the worker goroutine.
	OnDone func(Outcome)

	log zerolog.Logger
}

// New returns a Pool. Non-positive sizes are treated as 1.
func New(workers, chunkSize int, log zerolog.Logger) *Pool {
	return &Pool{
		Workers:   max(workers, 1),
		ChunkSize: max(chunkSize, 1),
		log:       log.With().Str("component", "pool").Logger(),
	}
}

// Run applies task to every item and returns one outcome per item in input
// order. Items left unstarted by cancellation carry ctx.Err().
func (p *Pool) Run(ctx context.Context, items []string, task Task) []Outcome {
	out := make([]Outcome, len(items))
	for i, item := range items {
		out[i].Item = item
	}

	for lo := 0; lo < len(items); lo += p.ChunkSize {
		if err := ctx.Err(); err != nil {
			for i := lo; i < len(items); i++ {
				out[i].Err = err
			}
			p.log.Warn().Int("skipped", len(items)-lo).Msg("batch canceled")
			break
		}
		hi := min(lo+p.ChunkSize, len(items))

		var g errgroup.Group
		g.SetLimit(p.Workers)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				out[i] = p.run(ctx, items[i], task)
				if p.OnDone != nil {
					p.OnDone(out[i])
				}
				return nil
			})
		}
		g.Wait()
	}
	return out
}

func (p *Pool) run(ctx context.Context, item string, task Task) (o Outcome) {
	o.Item = item
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("%w: %v", ErrPanic, r)
			p.log.Error().Str("item", item).Bytes("stack", debug.Stack()).Msg("task panicked")
		}
		o.Duration = time.Since(start)
	}()
	o.Rows, o.Err = task(ctx, item)
	return o
}

// Summary aggregates outcomes.
type Summary struct {
	Total    int
	OK       int
	Failed   int
	Canceled int
	Rows     int64
	Elapsed  time.Duration // sum of task durations
	Failures []Outcome
}

// Summarize counts outcomes. Context errors count as canceled, not failed.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		s.Rows += o.Rows
		s.Elapsed += o.Duration
		switch {
		case o.Err == nil:
			s.OK++
		case errors.Is(o.Err, context.Canceled), errors.Is(o.Err, context.DeadlineExceeded):
			s.Canceled++
		default:
			s.Failed++
			s.Failures = append(s.Failures, o)
		}
	}
	return s
}

// Log writes the summary and every failure to log.
func (s Summary) Log(log zerolog.Logger, batch string) {
	for _, f := range s.Failures {
		log.Error().Err(f.Err).Str("item", f.Item).Str("batch", batch).Msg("task failed")
	}
	ev := log.Info()
	if s.Failed > 0 {
		ev = log.Warn()
	}
	ev.Str("batch", batch).Int("total", s.Total).Int("ok", s.OK).Int("failed", s.Failed).
		Int("canceled", s.Canceled).Int64("rows", s.Rows).Msg("batch complete")
}

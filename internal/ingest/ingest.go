// Package ingest loads spectrogram files into their instrument tables.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
	"github.com/KI7MT/ecallisto-lab-apps/internal/metrics"
	"github.com/KI7MT/ecallisto-lab-apps/internal/schema"
	"github.com/KI7MT/ecallisto-lab-apps/internal/spectro"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

// ErrNoCandidate is returned by Register when no candidate file ingests.
var ErrNoCandidate = errors.New("no candidate file could be ingested")

// Engine parses files, reconciles their frequency axis with the table
// schema and inserts their rows. It is safe for concurrent use.
type Engine struct {
	store  store.Store
	schema *schema.Manager
	log    zerolog.Logger

	// Open decodes a file; replaced in tests.
	Open func(path string) (*spectro.Spectrogram, error)
}

// New returns an Engine writing to s through m.
func New(s store.Store, m *schema.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		store:  s,
		schema: m,
		log:    log.With().Str("component", "ingest").Logger(),
		Open:   spectro.Open,
	}
}

// Report summarises one ingested file.
type Report struct {
	File       string
	Instrument string
	Rows       int64 // rows inserted, conflicts excluded
	Samples    int   // rows in the file
	Columns    int
	Masked     int
	Merged     bool
	Clamped    int
	Created    bool
	Added      []string
}

// IngestFile decodes path and inserts it. Corrupt files return an error
// wrapping spectro.ErrCorrupt; nothing is written for them.
func (e *Engine) IngestFile(ctx context.Context, path string) (Report, error) {
	spec, err := e.Open(path)
	if err != nil {
		if !errors.Is(err, spectro.ErrCorrupt) {
			err = fmt.Errorf("%w: %w", spectro.ErrCorrupt, err)
		}
		metrics.FilesProcessed.WithLabelValues("corrupt").Inc()
		e.log.Error().Err(err).Str("file", filepath.Base(path)).Msg("skipping unreadable file")
		return Report{File: path}, err
	}
	return e.Ingest(ctx, path, spec)
}

// Ingest inserts an already decoded spectrogram. name identifies the
// instrument (file name, path or URL).
func (e *Engine) Ingest(ctx context.Context, name string, spec *spectro.Spectrogram) (Report, error) {
	rep := Report{File: name, Instrument: instrument.Resolve(name)}
	log := e.log.With().Str("file", filepath.Base(name)).Str("instrument", rep.Instrument).Logger()

	if rep.Masked = spec.DropMasked(); rep.Masked > 0 {
		log.Warn().Int("channels", rep.Masked).Msg("dropped masked frequency channels")
	}
	if rep.Merged = spec.MergeDuplicateFreqs(); rep.Merged {
		log.Warn().Int("channels", len(spec.Freqs)).Msg("merged duplicate frequencies by averaging")
	}
	if len(spec.Freqs) == 0 || len(spec.Times) == 0 {
		metrics.FilesProcessed.WithLabelValues("corrupt").Inc()
		err := fmt.Errorf("%w: %s has no usable samples", spectro.ErrCorrupt, filepath.Base(name))
		log.Error().Err(err).Msg("skipping empty file")
		return rep, err
	}

	cols := spec.Columns()
	rep.Columns = len(cols)

	res, err := e.schema.Ensure(ctx, rep.Instrument, cols)
	if err != nil {
		metrics.FilesProcessed.WithLabelValues("failed").Inc()
		return rep, err
	}
	rep.Created, rep.Added = res.Created, res.Added

	values, clamped := spec.Rows()
	if rep.Clamped = clamped; clamped > 0 {
		metrics.ClampedValues.WithLabelValues(rep.Instrument).Add(float64(clamped))
		log.Warn().Int("samples", clamped).
			Msgf("amplitudes outside [%d, %d] clamped", spectro.MinAmplitude, spectro.MaxAmplitude)
	}
	rep.Samples = len(values)

	n, err := e.store.InsertRows(ctx, rep.Instrument, &store.Batch{
		Columns: cols,
		Times:   spec.Times,
		Values:  values,
	})
	if err != nil {
		metrics.FilesProcessed.WithLabelValues("failed").Inc()
		return rep, fmt.Errorf("ingest %s: %w", filepath.Base(name), err)
	}
	rep.Rows = n
	metrics.FilesProcessed.WithLabelValues("ok").Inc()
	metrics.RowsInserted.WithLabelValues(rep.Instrument).Add(float64(n))
	log.Debug().Int64("rows", n).Int("columns", rep.Columns).Msg("file ingested")
	return rep, nil
}

// Register tries candidates in order until one ingests, registering its
// instrument table on the way. When every candidate fails the error joins
// ErrNoCandidate with each failure.
func (e *Engine) Register(ctx context.Context, candidates []string) (Report, int, error) {
	rep, idx, errs := e.firstIngest(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return Report{}, -1, err
	}
	if idx >= 0 {
		return rep, idx, nil
	}
	return Report{}, -1, errors.Join(append([]error{ErrNoCandidate}, errs...)...)
}

// firstIngest returns the first candidate that ingests, its index (-1 if none),
// and the failure of every candidate tried before it.
func (e *Engine) firstIngest(ctx context.Context, candidates []string) (Report, int, []error) {
	var errs []error
	for i, path := range candidates {
		if ctx.Err() != nil {
			break
		}
		rep, err := e.tryFile(ctx, path)
		if err == nil {
			if rep.Created {
				e.log.Info().Str("instrument", rep.Instrument).Str("file", filepath.Base(path)).
					Int("attempts", i+1).Msg("instrument registered")
			}
			return rep, i, errs
		}
		errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
	}
	return Report{}, -1, errs
}

// tryFile runs IngestFile outside the pool, turning a panic into a corrupt
// file error.
func (e *Engine) tryFile(ctx context.Context, path string) (rep Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FilesProcessed.WithLabelValues("corrupt").Inc()
			e.log.Error().Str("file", filepath.Base(path)).Interface("panic", r).Msg("decoder panicked, skipping file")
			rep, err = Report{File: path}, fmt.Errorf("%w: panic: %v", spectro.ErrCorrupt, r)
		}
	}()
	return e.IngestFile(ctx, path)
}

// Describe decodes paths and returns the header values shared by all of
// them, skipping files that fail to decode.
func (e *Engine) Describe(paths []string) (map[string]string, error) {
	var specs []*spectro.Spectrogram
	for _, p := range paths {
		s, err := e.Open(p)
		if err != nil {
			e.log.Debug().Err(err).Str("file", filepath.Base(p)).Msg("skipping file in describe")
			continue
		}
		specs = append(specs, s)
	}
	if len(specs) == 0 {
		return nil, ErrNoCandidate
	}
	return spectro.ConstantHeader(specs), nil
}

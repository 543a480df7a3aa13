// Package schema manages instrument table lifecycles: creation on first
// sight and additive column migration when new frequency channels appear.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/metrics"
	"github.com/KI7MT/ecallisto-lab-apps/internal/sqlident"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

// ColumnWarnThreshold is the column count above which a table is logged as
// a performance concern. PostgreSQL's hard limit is 1600.
const ColumnWarnThreshold = 1600

// Manager ensures tables and columns exist before rows are inserted.
type Manager struct {
	store store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Manager over s.
func New(s store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: s,
		log:   log.With().Str("component", "schema").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// Result describes what Ensure changed.
type Result struct {
	Created bool
	Added   []string
}

// Ensure creates the instrument table or extends its columns, whichever is
// needed for columns to be insertable.
func (m *Manager) Ensure(ctx context.Context, instrument string, columns []string) (Result, error) {
	unlock := m.lock(instrument)
	defer unlock()

	have, err := m.store.Columns(ctx, instrument)
	if errors.Is(err, store.ErrNoTable) {
		if err := m.ensureTable(ctx, instrument, columns); err != nil {
			return Result{}, err
		}
		return Result{Created: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	added, err := m.addMissing(ctx, instrument, have, columns)
	return Result{Added: added}, err
}

// EnsureTable creates the table for instrument with one column per entry
// of columns, registered as a hypertable. Existing tables are left alone.
func (m *Manager) EnsureTable(ctx context.Context, instrument string, columns []string) error {
	unlock := m.lock(instrument)
	defer unlock()
	return m.ensureTable(ctx, instrument, columns)
}

// EnsureColumns adds the entries of columns the table lacks and returns them.
func (m *Manager) EnsureColumns(ctx context.Context, instrument string, columns []string) ([]string, error) {
	unlock := m.lock(instrument)
	defer unlock()

	have, err := m.store.Columns(ctx, instrument)
	if err != nil {
		return nil, err
	}
	return m.addMissing(ctx, instrument, have, columns)
}

// Registered reports whether the instrument table exists.
func (m *Manager) Registered(ctx context.Context, instrument string) (bool, error) {
	_, err := m.store.Columns(ctx, instrument)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNoTable):
		return false, nil
	}
	return false, err
}

func (m *Manager) ensureTable(ctx context.Context, instrument string, columns []string) error {
	if err := validate(instrument, columns); err != nil {
		return err
	}
	if err := m.store.CreateTable(ctx, instrument, columns); err != nil {
		return fmt.Errorf("schema: create %s: %w", instrument, err)
	}
	metrics.TablesCreated.Inc()
	m.log.Info().Str("instrument", instrument).Int("columns", len(columns)).Msg("instrument table created")
	m.warnWide(instrument, len(columns))
	return nil
}

func (m *Manager) addMissing(ctx context.Context, instrument string, have, want []string) ([]string, error) {
	missing := store.Missing(have, want)
	if len(missing) == 0 {
		return nil, nil
	}
	if err := validate(instrument, missing); err != nil {
		return nil, err
	}
	if err := m.store.AddColumns(ctx, instrument, missing); err != nil {
		return nil, fmt.Errorf("schema: extend %s: %w", instrument, err)
	}
	metrics.ColumnsAdded.WithLabelValues(instrument).Add(float64(len(missing)))
	m.log.Warn().Str("instrument", instrument).Strs("columns", missing).Msg("new frequency channels added")
	m.warnWide(instrument, len(have)+len(missing))
	return missing, nil
}

func (m *Manager) warnWide(instrument string, n int) {
	if n > ColumnWarnThreshold {
		m.log.Warn().Str("instrument", instrument).Int("columns", n).
			Msgf("table has more than %d columns", ColumnWarnThreshold)
	}
}

func (m *Manager) lock(instrument string) func() {
	m.mu.Lock()
	l, ok := m.locks[instrument]
	if !ok {
		l = new(sync.Mutex)
		m.locks[instrument] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validate(instrument string, columns []string) error {
	if err := sqlident.Check(instrument); err != nil {
		return err
	}
	for _, c := range columns {
		if err := sqlident.Check(c); err != nil {
			return err
		}
	}
	return nil
}

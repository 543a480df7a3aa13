package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/sqlident"
)

// Memory is an in-process backend for dry runs and tests. Missing values
// read back as NaN through Value.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*memTable

	// Inserts counts InsertRows calls per table.
	Inserts map[string]int
}

type memTable struct {
	cols map[string]struct{}
	rows map[time.Time]map[string]int16
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable), Inserts: make(map[string]int)}
}

func (m *Memory) Tables(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tables))
	for name := range m.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Columns(ctx context.Context, table string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%s: %w", table, ErrNoTable)
	}
	out := make([]string, 0, len(t.cols))
	for c := range t.cols {
		out = append(out, c)
	}
	SortColumns(out)
	return out, nil
}

func (m *Memory) CreateTable(ctx context.Context, table string, columns []string) error {
	if err := checkNames(table, columns); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; ok {
		return nil
	}
	t := &memTable{cols: make(map[string]struct{}), rows: make(map[time.Time]map[string]int16)}
	for _, c := range columns {
		t.cols[c] = struct{}{}
	}
	m.tables[table] = t
	return nil
}

func (m *Memory) AddColumns(ctx context.Context, table string, columns []string) error {
	if err := checkNames(table, columns); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("%s: %w", table, ErrNoTable)
	}
	for _, c := range columns {
		t.cols[c] = struct{}{}
	}
	return nil
}

func (m *Memory) InsertRows(ctx context.Context, table string, b *Batch) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return 0, fmt.Errorf("%s: %w", table, ErrNoTable)
	}
	for _, c := range b.Columns {
		if _, ok := t.cols[c]; !ok {
			return 0, fmt.Errorf("store: column %q does not exist in %s", c, table)
		}
	}
	m.Inserts[table]++
	var n int64
	for i, ts := range b.Times {
		ts = ts.UTC()
		if _, exists := t.rows[ts]; exists {
			continue
		}
		row := make(map[string]int16, len(b.Columns))
		for j, c := range b.Columns {
			row[c] = b.Values[i][j]
		}
		t.rows[ts] = row
		n++
	}
	return n, nil
}

func (m *Memory) Watermark(ctx context.Context, table string) (Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return Watermark{}, fmt.Errorf("%s: %w", table, ErrNoTable)
	}
	var w Watermark
	for ts := range t.rows {
		if w.Min.IsZero() || ts.Before(w.Min) {
			w.Min = ts
		}
		if w.Max.IsZero() || ts.After(w.Max) {
			w.Max = ts
		}
	}
	return w, nil
}

// Rows returns the number of stored rows in table.
func (m *Memory) Rows(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// Value returns the stored amplitude, NaN when the row or column has none.
func (m *Memory) Value(table string, ts time.Time, column string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return math.NaN()
	}
	v, ok := t.rows[ts.UTC()][column]
	if !ok {
		return math.NaN()
	}
	return float64(v)
}

func (m *Memory) Aggregate(ctx context.Context, q AggregateQuery) (*AggregateResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	cols := q.Columns
	if len(cols) == 0 {
		var err error
		if cols, err = m.Columns(ctx, q.Table); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[q.Table]
	if !ok {
		return nil, fmt.Errorf("%s: %w", q.Table, ErrNoTable)
	}

	groups := make(map[time.Time][][]float64)
	for ts, row := range t.rows {
		if ts.Before(q.Start) || ts.After(q.End) {
			continue
		}
		bucket := bucketStart(ts, q.Bucket)
		g, ok := groups[bucket]
		if !ok {
			g = make([][]float64, len(cols))
		}
		for j, c := range cols {
			if v, ok := row[c]; ok {
				g[j] = append(g[j], float64(v))
			}
		}
		groups[bucket] = g
	}

	res := &AggregateResult{Columns: cols}
	for b := range groups {
		res.Buckets = append(res.Buckets, b)
	}
	sort.Slice(res.Buckets, func(i, j int) bool { return res.Buckets[i].Before(res.Buckets[j]) })
	for _, b := range res.Buckets {
		g := groups[b]
		row := make([]float64, len(cols))
		for j := range cols {
			row[j] = aggregate(g[j], q.Func, q.Quantile)
		}
		res.Values = append(res.Values, row)
	}
	return res, nil
}

func (m *Memory) Sizes(ctx context.Context) ([]TableSize, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TableSize
	for name, t := range m.tables {
		// 8 bytes of timestamp plus 2 per stored sample.
		var bytes int64
		for _, row := range t.rows {
			bytes += 8 + 2*int64(len(row))
		}
		out = append(out, TableSize{Table: name, Bytes: bytes, Rows: int64(len(t.rows))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}

func (m *Memory) Close() error { return nil }

// bucketStart aligns ts to the Unix epoch, as time_bucket and
// toStartOfInterval do. time.Truncate aligns to year 1 instead.
func bucketStart(ts time.Time, d time.Duration) time.Time {
	r := time.Duration(ts.UnixNano() % int64(d))
	if r < 0 {
		r += d
	}
	return ts.Add(-r).UTC()
}

func aggregate(vals []float64, fn string, q float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	switch fn {
	case AggMin, AggMax:
		best := vals[0]
		for _, v := range vals[1:] {
			if fn == AggMin && v < best || fn == AggMax && v > best {
				best = v
			}
		}
		return best
	case AggQuantile:
		// Linear interpolation, as percentile_cont.
		s := append([]float64(nil), vals...)
		sort.Float64s(s)
		pos := q * float64(len(s)-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	if fn == AggSum {
		return sum
	}
	return sum / float64(len(vals))
}

func checkNames(table string, columns []string) error {
	if err := sqlident.Check(table); err != nil {
		return err
	}
	for _, c := range columns {
		if err := sqlident.Check(c); err != nil {
			return err
		}
	}
	return nil
}

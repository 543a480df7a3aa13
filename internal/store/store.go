// Package store persists observation rows in one table per instrument.
//
// Every table has a datetime primary key and one SMALLINT column per
// frequency channel, named by the frequency value. Inserts skip rows whose
// timestamp already exists; column sets only grow.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
)

// TimeColumn is the primary-key column of every instrument table.
const TimeColumn = "datetime"

var (
	// ErrNoTable is returned by Columns and Watermark for unknown tables.
	ErrNoTable = errors.New("table does not exist")

	// ErrUnsupported is returned by backends lacking an optional feature.
	ErrUnsupported = errors.New("not supported by this backend")

	// ErrConnectivity wraps failures to reach the database.
	ErrConnectivity = errors.New("store unreachable")

	// ErrBadAggregate is returned for unknown aggregation functions.
	ErrBadAggregate = errors.New("unknown aggregation function")
)

// Batch is a set of rows for one table. Values[i][j] is the amplitude at
// Times[i] for Columns[j].
type Batch struct {
	Columns []string
	Times   []time.Time
	Values  [][]int16
}

// Len returns the number of rows.
func (b *Batch) Len() int { return len(b.Times) }

// Range returns the earliest and latest timestamp in the batch.
func (b *Batch) Range() (time.Time, time.Time) {
	var lo, hi time.Time
	for i, t := range b.Times {
		if i == 0 || t.Before(lo) {
			lo = t
		}
		if i == 0 || t.After(hi) {
			hi = t
		}
	}
	return lo, hi
}

// Watermark is the stored time range of one table. It is zero for an empty
// table.
type Watermark struct {
	Min time.Time
	Max time.Time
}

// Empty reports whether the table holds no rows.
func (w Watermark) Empty() bool { return w.Min.IsZero() && w.Max.IsZero() }

// Store is implemented by every backend. Implementations are safe for
// concurrent use.
type Store interface {
	// Tables lists instrument tables.
	Tables(ctx context.Context) ([]string, error)
	// Columns lists the frequency columns of table in SortColumns order,
	// or returns ErrNoTable.
	Columns(ctx context.Context, table string) ([]string, error)
	// CreateTable creates table with the given frequency columns and
	// registers it as a hypertable. It is a no-op if table exists.
	CreateTable(ctx context.Context, table string, columns []string) error
	// AddColumns adds any of columns not yet present.
	AddColumns(ctx context.Context, table string, columns []string) error
	// InsertRows inserts b, skipping rows whose timestamp already exists,
	// and returns the number of rows actually inserted.
	InsertRows(ctx context.Context, table string, b *Batch) (int64, error)
	// Watermark returns the stored time range of table.
	Watermark(ctx context.Context, table string) (Watermark, error)
	Close() error
}

// Aggregate functions accepted by Querier.Aggregate.
const (
	AggAvg      = "avg"
	AggMin      = "min"
	AggMax      = "max"
	AggSum      = "sum"
	AggQuantile = "quantile"
)

// AggregateQuery selects time-bucketed aggregates from one table.
type AggregateQuery struct {
	Table    string
	Start    time.Time
	End      time.Time
	Bucket   time.Duration
	Func     string
	Quantile float64
	Columns  []string // empty means every frequency column
}

// Validate checks the function, bucket and quantile.
func (q AggregateQuery) Validate() error {
	switch q.Func {
	case AggAvg, AggMin, AggMax, AggSum:
	case AggQuantile:
		if q.Quantile <= 0 || q.Quantile >= 1 {
			return fmt.Errorf("%w: quantile %v outside (0, 1)", ErrBadAggregate, q.Quantile)
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadAggregate, q.Func)
	}
	if q.Bucket < time.Second {
		return fmt.Errorf("%w: bucket %s shorter than 1s", ErrBadAggregate, q.Bucket)
	}
	if q.End.Before(q.Start) {
		return fmt.Errorf("%w: end before start", ErrBadAggregate)
	}
	return nil
}

// AggregateResult holds one row per bucket. NaN marks a NULL aggregate.
type AggregateResult struct {
	Columns []string
	Buckets []time.Time
	Values  [][]float64
}

// TableSize reports storage use of one table.
type TableSize struct {
	Table string
	Bytes int64
	Rows  int64
}

// Querier is implemented by backends that support read-side queries.
type Querier interface {
	Aggregate(ctx context.Context, q AggregateQuery) (*AggregateResult, error)
	Sizes(ctx context.Context) ([]TableSize, error)
}

// Open connects the backend named by cfg.Backend.
func Open(ctx context.Context, cfg *common.Config, log zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case common.BackendTimescale:
		return OpenTimescale(ctx, cfg.PostgresDSN(), cfg.Workers, log)
	case common.BackendClickHouse:
		return OpenClickHouse(ctx, ClickHouseOptions{
			Addr:     cfg.ClickHouseHost,
			Database: cfg.ClickHouseDatabase,
			User:     cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
			Timeout:  cfg.Timeout,
		}, log)
	case common.BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", common.ErrConfig, cfg.Backend)
}

// SortColumns orders column names with non-numeric names first
// (alphabetically), then numeric names ascending by value.
func SortColumns(cols []string) {
	sort.SliceStable(cols, func(i, j int) bool {
		a, errA := strconv.ParseFloat(cols[i], 64)
		b, errB := strconv.ParseFloat(cols[j], 64)
		switch {
		case errA != nil && errB != nil:
			return cols[i] < cols[j]
		case errA != nil:
			return true
		case errB != nil:
			return false
		}
		return a < b
	})
}

// Missing returns the entries of want not present in have, in want order.
func Missing(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	var out []string
	for _, c := range want {
		if _, ok := set[c]; !ok {
			set[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// connectivity wraps err with ErrConnectivity when it is a network failure.
func connectivity(err error) error {
	var netErr net.Error
	if err != nil && errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return err
}

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/sqlident"
)

const stagingTable = "ecallisto_staging"

// Timescale stores instrument tables as TimescaleDB hypertables. Each call
// acquires a pooled connection and runs inside its own transaction.
type Timescale struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// OpenTimescale connects to dsn with at most maxConns pooled connections.
func OpenTimescale(ctx context.Context, dsn string, maxConns int, log zerolog.Logger) (*Timescale, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("timescale: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns + 1)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return &Timescale{pool: pool, log: log.With().Str("component", "timescale").Logger()}, nil
}

func (s *Timescale) Close() error {
	s.pool.Close()
	return nil
}

func (s *Timescale) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, s.wrap(err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return names, s.wrap(err)
}

func (s *Timescale) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, s.wrap(err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.wrap(err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", table, ErrNoTable)
	}
	cols := names[:0]
	for _, n := range names {
		if n != TimeColumn {
			cols = append(cols, n)
		}
	}
	SortColumns(cols)
	return cols, nil
}

func (s *Timescale) CreateTable(ctx context.Context, table string, columns []string) error {
	qt, err := sqlident.Quote(table)
	if err != nil {
		return err
	}
	defs := TimeColumn + " TIMESTAMP PRIMARY KEY"
	if len(columns) > 0 {
		cols, err := sqlident.ColumnDefs(columns, []string{"SMALLINT"})
		if err != nil {
			return err
		}
		defs += ", " + cols
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qt, defs)); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		if _, err := tx.Exec(ctx, "SELECT create_hypertable($1::regclass, $2::name, if_not_exists => TRUE)", qt, TimeColumn); err != nil {
			return fmt.Errorf("create hypertable %s: %w", table, err)
		}
		return nil
	})
	if err == nil {
		s.log.Debug().Str("table", table).Int("columns", len(columns)).Msg("hypertable ready")
	}
	return s.wrap(err)
}

func (s *Timescale) AddColumns(ctx context.Context, table string, columns []string) error {
	if len(columns) == 0 {
		return nil
	}
	qt, err := sqlident.Quote(table)
	if err != nil {
		return err
	}
	clauses := make([]string, len(columns))
	for i, c := range columns {
		qc, err := sqlident.Quote(c)
		if err != nil {
			return err
		}
		clauses[i] = "ADD COLUMN IF NOT EXISTS " + qc + " SMALLINT"
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s %s", qt, strings.Join(clauses, ", ")))
		return err
	})
	return s.wrap(err)
}

// InsertRows copies b into a transaction-scoped staging table and moves it
// into table with ON CONFLICT DO NOTHING, so existing timestamps are kept.
func (s *Timescale) InsertRows(ctx context.Context, table string, b *Batch) (int64, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	qt, err := sqlident.Quote(table)
	if err != nil {
		return 0, err
	}
	names := append([]string{TimeColumn}, b.Columns...)
	list, err := sqlident.List(names)
	if err != nil {
		return 0, err
	}

	var inserted int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", stagingTable, qt)); err != nil {
			return fmt.Errorf("create staging table: %w", err)
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{stagingTable}, names,
			pgx.CopyFromSlice(b.Len(), func(i int) ([]any, error) {
				row := make([]any, len(names))
				row[0] = b.Times[i].UTC()
				for j, v := range b.Values[i] {
					row[j+1] = v
				}
				return row, nil
			}))
		if err != nil {
			return fmt.Errorf("copy into staging: %w", err)
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
			qt, list, list, stagingTable, TimeColumn))
		if err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		inserted = tag.RowsAffected()
		return nil
	})
	return inserted, s.wrap(err)
}

func (s *Timescale) Watermark(ctx context.Context, table string) (Watermark, error) {
	qt, err := sqlident.Quote(table)
	if err != nil {
		return Watermark{}, err
	}
	var lo, hi *time.Time
	err = s.pool.QueryRow(ctx, fmt.Sprintf("SELECT min(%s), max(%s) FROM %s", TimeColumn, TimeColumn, qt)).Scan(&lo, &hi)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return Watermark{}, fmt.Errorf("%s: %w", table, ErrNoTable)
		}
		return Watermark{}, s.wrap(err)
	}
	var w Watermark
	if lo != nil && hi != nil {
		w.Min, w.Max = lo.UTC(), hi.UTC()
	}
	return w, nil
}

func (s *Timescale) Aggregate(ctx context.Context, q AggregateQuery) (*AggregateResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	cols := q.Columns
	if len(cols) == 0 {
		var err error
		if cols, err = s.Columns(ctx, q.Table); err != nil {
			return nil, err
		}
	}
	qt, err := sqlident.Quote(q.Table)
	if err != nil {
		return nil, err
	}
	exprs := make([]string, len(cols))
	for i, c := range cols {
		qc, err := sqlident.Quote(c)
		if err != nil {
			return nil, err
		}
		switch q.Func {
		case AggQuantile:
			exprs[i] = fmt.Sprintf("percentile_cont(%g) WITHIN GROUP (ORDER BY %s)", q.Quantile, qc)
		default:
			exprs[i] = fmt.Sprintf("%s(%s)::float8", q.Func, qc)
		}
	}
	sql := fmt.Sprintf(`SELECT time_bucket(make_interval(secs => $1), %s) AS bucket, %s
FROM %s WHERE %s BETWEEN $2 AND $3 GROUP BY bucket ORDER BY bucket`,
		TimeColumn, strings.Join(exprs, ", "), qt, TimeColumn)

	rows, err := s.pool.Query(ctx, sql, q.Bucket.Seconds(), q.Start.UTC(), q.End.UTC())
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	res := &AggregateResult{Columns: cols}
	for rows.Next() {
		var bucket time.Time
		vals := make([]*float64, len(cols))
		dest := make([]any, len(cols)+1)
		dest[0] = &bucket
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]float64, len(cols))
		for i, v := range vals {
			row[i] = math.NaN()
			if v != nil {
				row[i] = *v
			}
		}
		res.Buckets = append(res.Buckets, bucket.UTC())
		res.Values = append(res.Values, row)
	}
	return res, s.wrap(rows.Err())
}

func (s *Timescale) Sizes(ctx context.Context) ([]TableSize, error) {
	rows, err := s.pool.Query(ctx, `
SELECT hypertable_name,
       COALESCE(hypertable_size(format('%I.%I', hypertable_schema, hypertable_name)::regclass), 0),
       COALESCE(approximate_row_count(format('%I.%I', hypertable_schema, hypertable_name)::regclass), 0)
FROM timescaledb_information.hypertables
WHERE hypertable_schema = current_schema()
ORDER BY hypertable_name`)
	if err != nil {
		return nil, s.wrap(err)
	}
	sizes, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (TableSize, error) {
		var ts TableSize
		err := r.Scan(&ts.Table, &ts.Bytes, &ts.Rows)
		return ts, err
	})
	return sizes, s.wrap(err)
}

func (s *Timescale) wrap(err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return connectivity(err)
}

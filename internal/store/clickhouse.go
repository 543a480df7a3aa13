package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"
	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/sqlident"
)

// ClickHouse error code for a missing table.
const chUnknownTable = 60

// ClickHouseOptions configures OpenClickHouse.
type ClickHouseOptions struct {
	Addr     string
	Database string
	User     string
	Password string
	Timeout  time.Duration
}

// ClickHouse stores instrument tables as ReplacingMergeTree tables ordered
// by datetime. DDL and queries use clickhouse-go; inserts dial a native
// ch-go connection per call and send columnar blocks.
type ClickHouse struct {
	conn driver.Conn
	opts ClickHouseOptions
	log  zerolog.Logger
}

// OpenClickHouse connects and pings the server.
func OpenClickHouse(ctx context.Context, opts ClickHouseOptions, log zerolog.Logger) (*ClickHouse, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return &ClickHouse{conn: conn, opts: opts, log: log.With().Str("component", "clickhouse").Logger()}, nil
}

func (s *ClickHouse) Close() error {
	return s.conn.Close()
}

func (s *ClickHouse) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, "SELECT name FROM system.tables WHERE database = currentDatabase() ORDER BY name")
	if err != nil {
		return nil, connectivity(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *ClickHouse) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT name FROM system.columns WHERE database = currentDatabase() AND table = ?", table)
	if err != nil {
		return nil, connectivity(err)
	}
	defer rows.Close()
	var cols []string
	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		found = true
		if name != TimeColumn {
			cols = append(cols, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", table, ErrNoTable)
	}
	SortColumns(cols)
	return cols, nil
}

func (s *ClickHouse) CreateTable(ctx context.Context, table string, columns []string) error {
	qt, err := sqlident.Quote(table)
	if err != nil {
		return err
	}
	defs := TimeColumn + " DateTime64(3)"
	if len(columns) > 0 {
		cols, err := sqlident.ColumnDefs(columns, []string{"Nullable(Int16)"})
		if err != nil {
			return err
		}
		defs += ", " + cols
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)
ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(%s)
ORDER BY %s`, qt, defs, TimeColumn, TimeColumn)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return connectivity(fmt.Errorf("create table %s: %w", table, err))
	}
	s.log.Debug().Str("table", table).Int("columns", len(columns)).Msg("table ready")
	return nil
}

func (s *ClickHouse) AddColumns(ctx context.Context, table string, columns []string) error {
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
		clauses[i] = "ADD COLUMN IF NOT EXISTS " + qc + " Nullable(Int16)"
	}
	if err := s.conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s %s", qt, strings.Join(clauses, ", "))); err != nil {
		return connectivity(fmt.Errorf("alter table %s: %w", table, err))
	}
	return nil
}

// InsertRows drops rows whose timestamp is already stored, then inserts the
// rest. ReplacingMergeTree collapses any duplicate that races in between.
func (s *ClickHouse) InsertRows(ctx context.Context, table string, b *Batch) (int64, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	qt, err := sqlident.Quote(table)
	if err != nil {
		return 0, err
	}
	list, err := sqlident.List(append([]string{TimeColumn}, b.Columns...))
	if err != nil {
		return 0, err
	}

	existing, err := s.existing(ctx, qt, b)
	if err != nil {
		return 0, err
	}

	ts := new(proto.ColDateTime64).WithPrecision(proto.PrecisionMilli)
	cols := make([]*proto.ColNullable[int16], len(b.Columns))
	for j := range cols {
		cols[j] = proto.NewColNullable[int16](new(proto.ColInt16))
	}
	seen := make(map[int64]struct{}, b.Len())
	for i, t := range b.Times {
		key := t.UnixMilli()
		if _, ok := existing[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ts.Append(t.UTC())
		for j, v := range b.Values[i] {
			cols[j].Append(proto.NewNullable(v))
		}
	}
	if ts.Rows() == 0 {
		return 0, nil
	}

	input := proto.Input{{Name: TimeColumn, Data: ts}}
	for j, c := range b.Columns {
		input = append(input, proto.InputColumn{Name: c, Data: cols[j]})
	}

	conn, err := ch.Dial(ctx, ch.Options{
		Address:     s.opts.Addr,
		Database:    s.opts.Database,
		User:        s.opts.User,
		Password:    s.opts.Password,
		Compression: ch.CompressionLZ4,
		DialTimeout: s.opts.Timeout,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	defer conn.Close()

	if err := conn.Do(ctx, ch.Query{
		Body:  fmt.Sprintf("INSERT INTO %s (%s) VALUES", qt, list),
		Input: input,
	}); err != nil {
		return 0, connectivity(fmt.Errorf("insert into %s: %w", table, err))
	}
	return int64(ts.Rows()), nil
}

// existing returns the stored timestamps (unix ms) within the batch range.
func (s *ClickHouse) existing(ctx context.Context, qt string, b *Batch) (map[int64]struct{}, error) {
	lo, hi := b.Range()
	rows, err := s.conn.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s >= ? AND %s <= ?", TimeColumn, qt, TimeColumn, TimeColumn),
		lo.Add(-time.Second), hi.Add(time.Second))
	if err != nil {
		return nil, connectivity(err)
	}
	defer rows.Close()
	out := make(map[int64]struct{})
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[t.UnixMilli()] = struct{}{}
	}
	return out, rows.Err()
}

func (s *ClickHouse) Watermark(ctx context.Context, table string) (Watermark, error) {
	qt, err := sqlident.Quote(table)
	if err != nil {
		return Watermark{}, err
	}
	var (
		n      uint64
		lo, hi time.Time
	)
	err = s.conn.QueryRow(ctx, fmt.Sprintf("SELECT count(), min(%s), max(%s) FROM %s",
		TimeColumn, TimeColumn, qt)).Scan(&n, &lo, &hi)
	if err != nil {
		var exc *clickhouse.Exception
		if errors.As(err, &exc) && exc.Code == chUnknownTable {
			return Watermark{}, fmt.Errorf("%s: %w", table, ErrNoTable)
		}
		return Watermark{}, connectivity(err)
	}
	if n == 0 {
		return Watermark{}, nil
	}
	return Watermark{Min: lo.UTC(), Max: hi.UTC()}, nil
}

func (s *ClickHouse) Aggregate(ctx context.Context, q AggregateQuery) (*AggregateResult, error) {
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
		fn := q.Func
		if fn == AggQuantile {
			fn = fmt.Sprintf("quantile(%g)", q.Quantile)
		}
		exprs[i] = fmt.Sprintf("toFloat64(%s(%s))", fn, qc)
	}
	sql := fmt.Sprintf(`SELECT toStartOfInterval(%s, INTERVAL %d SECOND) AS bucket, %s
FROM %s WHERE %s >= ? AND %s <= ? GROUP BY bucket ORDER BY bucket`,
		TimeColumn, int64(q.Bucket.Seconds()), strings.Join(exprs, ", "), qt, TimeColumn, TimeColumn)

	rows, err := s.conn.Query(ctx, sql, q.Start.UTC(), q.End.UTC())
	if err != nil {
		return nil, connectivity(err)
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
	return res, rows.Err()
}

func (s *ClickHouse) Sizes(ctx context.Context) ([]TableSize, error) {
	rows, err := s.conn.Query(ctx, `
SELECT table, toInt64(sum(bytes_on_disk)), toInt64(sum(rows))
FROM system.parts
WHERE database = currentDatabase() AND active
GROUP BY table ORDER BY table`)
	if err != nil {
		return nil, connectivity(err)
	}
	defer rows.Close()
	var out []TableSize
	for rows.Next() {
		var ts TableSize
		if err := rows.Scan(&ts.Table, &ts.Bytes, &ts.Rows); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

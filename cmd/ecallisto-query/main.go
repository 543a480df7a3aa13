// ecallisto-query - Time-bucketed aggregates and table sizes
//
// Prints one tab-separated row per -bucket interval of -table between
// -start and -end, aggregating each frequency column with -func (avg, min,
// max, sum or quantile). Empty aggregates print as NaN. -sizes lists the
// storage used by every instrument table instead.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/ecallisto-query ./cmd/ecallisto-query

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KI7MT/ecallisto-lab-apps/internal/cli"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

var Version = "1.0.0"

var (
	table    string
	bucket   time.Duration
	fn       string
	quantile float64
	columns  string
	sizes    bool
)

func main() {
	cli.Main("ecallisto-query", Version, "e-Callisto table queries",
		func(app *cli.App) {
			app.Flags.StringVar(&table, "table", "", "Instrument table, e.g. alaska_cohoe_612")
			app.Flags.DurationVar(&bucket, "bucket", time.Minute, "Bucket width")
			app.Flags.StringVar(&fn, "func", store.AggAvg, "Aggregate: avg, min, max, sum, quantile")
			app.Flags.Float64Var(&quantile, "quantile", 0.5, "Quantile for -func quantile")
			app.Flags.StringVar(&columns, "columns", "", "Frequency columns, comma separated (default: all)")
			app.Flags.BoolVar(&sizes, "sizes", false, "List table sizes and exit")
		},
		run)
}

func run(ctx context.Context, app *cli.App) error {
	db, err := store.Open(ctx, app.Config, app.Log)
	if err != nil {
		return err
	}
	defer db.Close()

	q, ok := db.(store.Querier)
	if !ok {
		return fmt.Errorf("%w: %s: %w", common.ErrConfig, app.Config.Backend, store.ErrUnsupported)
	}
	if sizes {
		return printSizes(ctx, app, q)
	}
	if table == "" {
		return fmt.Errorf("%w: -table is required", common.ErrConfig)
	}

	query := store.AggregateQuery{
		Table:    table,
		Start:    app.Config.StartDate,
		End:      app.Config.EndDate.AddDate(0, 0, 1).Add(-time.Millisecond),
		Bucket:   bucket,
		Func:     fn,
		Quantile: quantile,
	}
	for _, c := range strings.Split(columns, ",") {
		if c = strings.TrimSpace(c); c != "" {
			query.Columns = append(query.Columns, c)
		}
	}
	res, err := q.Aggregate(ctx, query)
	if errors.Is(err, store.ErrBadAggregate) {
		return fmt.Errorf("%w: %w", common.ErrConfig, err)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(app.Stdout, "%s\t%s\n", store.TimeColumn, strings.Join(res.Columns, "\t"))
	for i, b := range res.Buckets {
		fields := make([]string, len(res.Values[i]))
		for j, v := range res.Values[i] {
			fields[j] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		fmt.Fprintf(app.Stdout, "%s\t%s\n", b.Format(time.RFC3339), strings.Join(fields, "\t"))
	}
	app.Log.Info().Str("table", table).Int("buckets", len(res.Buckets)).Msg("query complete")
	return nil
}

func printSizes(ctx context.Context, app *cli.App, q store.Querier) error {
	list, err := q.Sizes(ctx)
	if err != nil {
		return err
	}
	pairs := make([]string, 0, 2*len(list))
	var total int64
	for _, s := range list {
		pairs = append(pairs, s.Table, fmt.Sprintf("%10d rows %10.1f MB", s.Rows, float64(s.Bytes)/1e6))
		total += s.Bytes
	}
	pairs = append(pairs, "Total", fmt.Sprintf("%.1f MB in %d tables", float64(total)/1e6, len(list)))
	app.Banner("Table Sizes", pairs...)
	return nil
}

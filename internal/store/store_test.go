package store

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2023, 1, 27, 0, 15, 0, 0, time.UTC)

func batch(cols []string, start time.Time, n int, v int16) *Batch {
	b := &Batch{Columns: cols}
	for i := 0; i < n; i++ {
		b.Times = append(b.Times, start.Add(time.Duration(i)*250*time.Millisecond))
		row := make([]int16, len(cols))
		for j := range row {
			row[j] = v
		}
		b.Values = append(b.Values, row)
	}
	return b
}

func TestMemoryIdempotentInsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.CreateTable(ctx, "alaska_cohoe_612", []string{"45.0", "46.5"}); err != nil {
		t.Fatal(err)
	}
	b := batch([]string{"45.0", "46.5"}, t0, 4, 100)

	n, err := m.InsertRows(ctx, "alaska_cohoe_612", b)
	if err != nil || n != 4 {
		t.Fatalf("first insert = %d, %v", n, err)
	}
	b.Values[0][0] = 999
	n, err = m.InsertRows(ctx, "alaska_cohoe_612", b)
	if err != nil || n != 0 {
		t.Fatalf("second insert = %d, %v, want 0 rows", n, err)
	}
	if got := m.Rows("alaska_cohoe_612"); got != 4 {
		t.Errorf("Rows() = %d, want 4", got)
	}
	if got := m.Value("alaska_cohoe_612", t0, "45.0"); got != 100 {
		t.Errorf("conflicting insert overwrote value: got %v", got)
	}
}

func TestMemoryAdditiveColumns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateTable(ctx, "glasgow_01", []string{"45.0"})
	if _, err := m.InsertRows(ctx, "glasgow_01", batch([]string{"45.0"}, t0, 2, 7)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddColumns(ctx, "glasgow_01", []string{"45.0", "80.25"}); err != nil {
		t.Fatal(err)
	}
	cols, err := m.Columns(ctx, "glasgow_01")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cols, []string{"45.0", "80.25"}) {
		t.Errorf("Columns() = %v", cols)
	}
	if !math.IsNaN(m.Value("glasgow_01", t0, "80.25")) {
		t.Error("prior row should have no value in the new column")
	}
}

func TestMemoryErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.Columns(ctx, "nope"); !errors.Is(err, ErrNoTable) {
		t.Errorf("Columns() error = %v", err)
	}
	if _, err := m.Watermark(ctx, "nope"); !errors.Is(err, ErrNoTable) {
		t.Errorf("Watermark() error = %v", err)
	}
	if _, err := m.InsertRows(ctx, "nope", batch([]string{"1.0"}, t0, 1, 1)); !errors.Is(err, ErrNoTable) {
		t.Errorf("InsertRows() error = %v", err)
	}
	if err := m.CreateTable(ctx, "bad name", nil); err == nil {
		t.Error("CreateTable accepted unsafe name")
	}
	_ = m.CreateTable(ctx, "t", []string{"1.0"})
	if _, err := m.InsertRows(ctx, "t", batch([]string{"2.0"}, t0, 1, 1)); err == nil {
		t.Error("InsertRows accepted unknown column")
	}
}

func TestMemoryWatermark(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateTable(ctx, "t", []string{"1.0"})
	w, err := m.Watermark(ctx, "t")
	if err != nil || !w.Empty() {
		t.Fatalf("empty table watermark = %+v, %v", w, err)
	}
	_, _ = m.InsertRows(ctx, "t", batch([]string{"1.0"}, t0, 5, 1))
	w, _ = m.Watermark(ctx, "t")
	if !w.Min.Equal(t0) || !w.Max.Equal(t0.Add(time.Second)) {
		t.Errorf("Watermark() = %+v", w)
	}
}

func TestMemoryAggregate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateTable(ctx, "t", []string{"45.0"})
	b := &Batch{Columns: []string{"45.0"}}
	for i, v := range []int16{1, 2, 3, 4, 10, 22} {
		b.Times = append(b.Times, t0.Add(time.Duration(i*20)*time.Second))
		b.Values = append(b.Values, []int16{v})
	}
	_, _ = m.InsertRows(ctx, "t", b)

	tests := []struct {
		fn   string
		q    float64
		want []float64
	}{
		{AggAvg, 0, []float64{2, 12}},
		{AggMin, 0, []float64{1, 4}},
		{AggMax, 0, []float64{3, 22}},
		{AggSum, 0, []float64{6, 36}},
		{AggQuantile, 0.5, []float64{2, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			res, err := m.Aggregate(ctx, AggregateQuery{
				Table: "t", Start: t0, End: t0.Add(time.Hour), Bucket: time.Minute, Func: tt.fn, Quantile: tt.q,
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Buckets) != 2 {
				t.Fatalf("got %d buckets, want 2", len(res.Buckets))
			}
			for i, want := range tt.want {
				if res.Values[i][0] != want {
					t.Errorf("bucket %d = %v, want %v", i, res.Values[i][0], want)
				}
			}
		})
	}
}

func TestMemoryAggregateEpochBuckets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateTable(ctx, "t", []string{"45.0"})
	// 7 minutes does not divide the offset between year 1 and 1970.
	ts := time.Unix(420*100000+30, 0).UTC()
	_, _ = m.InsertRows(ctx, "t", &Batch{Columns: []string{"45.0"}, Times: []time.Time{ts}, Values: [][]int16{{5}}})

	res, err := m.Aggregate(ctx, AggregateQuery{
		Table: "t", Start: ts.Add(-time.Hour), End: ts.Add(time.Hour), Bucket: 7 * time.Minute, Func: AggAvg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Unix(420*100000, 0).UTC(); len(res.Buckets) != 1 || !res.Buckets[0].Equal(want) {
		t.Errorf("Buckets = %v, want [%v]", res.Buckets, want)
	}
}

func TestAggregateQueryValidate(t *testing.T) {
	base := AggregateQuery{Table: "t", Start: t0, End: t0.Add(time.Hour), Bucket: time.Minute}
	tests := []struct {
		name string
		fn   string
		q    float64
		ok   bool
	}{
		{"avg", AggAvg, 0, true},
		{"unknown", "median", 0, false},
		{"quantile without value", AggQuantile, 0, false},
		{"quantile", AggQuantile, 0.9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			q.Func, q.Quantile = tt.fn, tt.q
			err := q.Validate()
			if tt.ok != (err == nil) {
				t.Errorf("Validate() = %v", err)
			}
			if err != nil && !errors.Is(err, ErrBadAggregate) {
				t.Errorf("error %v does not wrap ErrBadAggregate", err)
			}
		})
	}
}

func TestSortColumns(t *testing.T) {
	cols := []string{"80.5", "100.25", "datetime", "45.0", "9.75", "comment"}
	SortColumns(cols)
	want := []string{"comment", "datetime", "9.75", "45.0", "80.5", "100.25"}
	if !reflect.DeepEqual(cols, want) {
		t.Errorf("SortColumns() = %v, want %v", cols, want)
	}
}

func TestMissing(t *testing.T) {
	got := Missing([]string{"45.0", "46.0"}, []string{"46.0", "47.0", "47.0", "45.0", "48.0"})
	if !reflect.DeepEqual(got, []string{"47.0", "48.0"}) {
		t.Errorf("Missing() = %v", got)
	}
}

func TestBatchRange(t *testing.T) {
	b := &Batch{Times: []time.Time{t0.Add(time.Second), t0, t0.Add(3 * time.Second)}}
	lo, hi := b.Range()
	if !lo.Equal(t0) || !hi.Equal(t0.Add(3*time.Second)) {
		t.Errorf("Range() = %v, %v", lo, hi)
	}
}

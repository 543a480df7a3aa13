package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/catalog"
	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/fetch"
	"github.com/KI7MT/ecallisto-lab-apps/internal/fits"
	"github.com/KI7MT/ecallisto-lab-apps/internal/httpx"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ingest"
	"github.com/KI7MT/ecallisto-lab-apps/internal/ledger"
	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
	"github.com/KI7MT/ecallisto-lab-apps/internal/schema"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

func day(d int) time.Time { return time.Date(2023, 1, d, 0, 0, 0, 0, time.UTC) }

// spectrogram returns an uncompressed-gzip FITS file with 4 samples over
// two channels starting at 00:15 on d.
func spectrogram(t *testing.T, d time.Time) []byte {
	t.Helper()
	var raw bytes.Buffer
	err := fits.Encode(&raw,
		fits.ImageHDU(4, 2, []uint8{1, 2, 3, 4, 5, 6, 7, 8},
			fits.Str("DATE-OBS", d.Format("2006/01/02")),
			fits.Str("TIME-OBS", "00:15:00"),
		),
		fits.AxesHDU([]float64{0, 0.25, 0.5, 0.75}, []float64{45, 80.5}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return gz(t, raw.Bytes())
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	zw, _ := pgzip.NewWriterLevel(&out, pgzip.NoCompression)
	zw.Write(data)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// archive serves {base}/YYYY/MM/DD/ listings and files, recording which
// day listings were requested.
type archive struct {
	srv   *httptest.Server
	files map[string][]byte

	mu   sync.Mutex
	days []time.Time
}

func newArchive(t *testing.T) *archive {
	a := &archive{files: make(map[string][]byte)}
	a.srv = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *archive) add(name string, d time.Time, body []byte) {
	a.files[fmt.Sprintf("/archive/%s/%s", d.Format("2006/01/02"), name)] = body
}

func (a *archive) serve(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/") {
		body, ok := a.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
		return
	}
	d, err := time.Parse("/archive/2006/01/02/", r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	a.mu.Lock()
	a.days = append(a.days, d)
	a.mu.Unlock()

	fmt.Fprint(w, "<html><body>")
	for p := range a.files {
		if path.Dir(p)+"/" == r.URL.Path {
			fmt.Fprintf(w, `<a href="%s">%s</a>`, path.Base(p), path.Base(p))
		}
	}
	fmt.Fprint(w, "</body></html>")
}

func (a *archive) requested() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.days...)
}

type harness struct {
	mem    *store.Memory
	ledger *ledger.Ledger
	lister *catalog.Scanner
	fetch  *fetch.Materializer
	engine *ingest.Engine
	pool   *pool.Pool
}

func newHarness(t *testing.T, a *archive, ledgerPath string) *harness {
	t.Helper()
	nop := zerolog.Nop()
	client := httpx.New(httpx.Options{Timeout: 2 * time.Second, RetryBase: time.Millisecond}, nop)
	scanner, err := catalog.New(client, a.srv.URL+"/archive", nop)
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemory()
	return &harness{
		mem:    mem,
		ledger: led,
		lister: scanner,
		fetch:  fetch.New(client, t.TempDir(), nop),
		engine: ingest.New(mem, schema.New(mem, nop), nop),
		pool:   pool.New(2, 4, nop),
	}
}

func (h *harness) scheduler(opts Options) *Scheduler {
	return New(opts, h.lister, h.fetch, h.engine, h.mem, h.pool, h.ledger, common.NewStats(), zerolog.Nop())
}

func baseOptions() Options {
	return Options{
		Start:      day(20),
		End:        day(31),
		RecentDays: 3,
		DaysChunk:  2,
		Now:        func() time.Time { return day(31).Add(12 * time.Hour) },
	}
}

func TestRunBackfillTerminates(t *testing.T) {
	a := newArchive(t)
	for _, d := range []int{15, 21, 25, 30} {
		a.add(fmt.Sprintf("ALASKA-COHOE_202301%02d_001500_612.fit.gz", d), day(d), spectrogram(t, day(d)))
	}
	a.add("BROKEN_20230130_001500_01.fit.gz", day(30), gz(t, bytes.Repeat([]byte("x"), 4000)))

	h := newHarness(t, a, filepath.Join(t.TempDir(), "processed.parquet"))
	sum, err := h.scheduler(baseOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.Rows != 12 || h.mem.Rows("alaska_cohoe_612") != 12 {
		t.Errorf("Run() rows = %d, stored = %d, want 12", sum.Rows, h.mem.Rows("alaska_cohoe_612"))
	}
	if sum.Cycles != 6 {
		t.Errorf("Cycles = %d, want 6", sum.Cycles)
	}
	if tables, _ := h.mem.Tables(context.Background()); !reflect.DeepEqual(tables, []string{"alaska_cohoe_612"}) {
		t.Errorf("Tables() = %v", tables)
	}
	for _, d := range a.requested() {
		if d.Before(day(20)) || d.After(day(31)) {
			t.Errorf("requested listing for %s outside the bounds", d.Format(common.DateLayout))
		}
	}
	if !h.ledger.Has(a.srv.URL + "/archive/2023/01/30/BROKEN_20230130_001500_01.fit.gz") {
		t.Error("corrupt file was not recorded in the ledger")
	}
}

func TestRunStopsWithoutProgress(t *testing.T) {
	a := newArchive(t)
	for _, d := range []int{21, 30} {
		a.add(fmt.Sprintf("ALASKA-COHOE_202301%02d_001500_612.fit.gz", d), day(d), spectrogram(t, day(d)))
	}
	ledgerPath := filepath.Join(t.TempDir(), "processed.parquet")
	h := newHarness(t, a, ledgerPath)
	if _, err := h.scheduler(baseOptions()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A fresh scheduler over the filled store finishes in one empty cycle.
	again, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	h.ledger = again
	s := h.scheduler(baseOptions())
	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Cycles != 1 || sum.Rows != 0 {
		t.Errorf("second Run() = %+v, want one cycle without rows", sum)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want idle", s.State())
	}
}

func TestRunRequestedInstrumentWithoutTable(t *testing.T) {
	a := newArchive(t)
	a.add("GLASGOW_20230122_001500_59.fit.gz", day(22), spectrogram(t, day(22)))
	a.add("ALASKA-COHOE_20230122_001500_612.fit.gz", day(22), spectrogram(t, day(22)))

	h := newHarness(t, a, filepath.Join(t.TempDir(), "processed.parquet"))
	opts := baseOptions()
	opts.Instruments = []string{"glasgow"}
	sum, err := h.scheduler(opts).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tables, _ := h.mem.Tables(context.Background())
	if !reflect.DeepEqual(tables, []string{"glasgow_59"}) || sum.Rows != 4 {
		t.Errorf("Tables() = %v, rows = %d", tables, sum.Rows)
	}
}

func TestRunRequestedByTableKey(t *testing.T) {
	a := newArchive(t)
	// Day 30 is in the recent window, day 22 only reachable by backfill.
	a.add("ALASKA-COHOE_20230130_001500_612.fit.gz", day(30), spectrogram(t, day(30)))
	a.add("ALASKA-COHOE_20230122_001500_612.fit.gz", day(22), spectrogram(t, day(22)))
	a.add("ALASKA-COHOE_20230130_001500_59.fit.gz", day(30), spectrogram(t, day(30)))

	h := newHarness(t, a, filepath.Join(t.TempDir(), "processed.parquet"))
	opts := baseOptions()
	opts.Instruments = []string{"alaska_cohoe_612"}
	sum, err := h.scheduler(opts).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tables, _ := h.mem.Tables(context.Background())
	if !reflect.DeepEqual(tables, []string{"alaska_cohoe_612"}) || sum.Rows != 8 {
		t.Errorf("Tables() = %v, rows = %d", tables, sum.Rows)
	}
}

func TestRunCanceled(t *testing.T) {
	a := newArchive(t)
	h := newHarness(t, a, filepath.Join(t.TempDir(), "processed.parquet"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.scheduler(baseOptions()).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestCursorStaysInBounds(t *testing.T) {
	tests := []struct {
		name string
		w    store.Watermark
	}{
		{"empty table", store.Watermark{}},
		{"middle", store.Watermark{Min: day(24).Add(time.Hour), Max: day(26).Add(time.Hour)}},
		{"single day", store.Watermark{Min: day(24), Max: day(24).Add(time.Hour)}},
		{"before start", store.Watermark{Min: day(1), Max: day(2)}},
		{"after end", store.Watermark{Min: day(31).AddDate(0, 0, 5), Max: day(31).AddDate(0, 0, 6)}},
		{"covers bounds", store.Watermark{Min: day(1), Max: day(31).AddDate(0, 0, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tableCursor("x", tt.w, day(20), day(31))
			seen := make(map[time.Time]int)
			for i := 0; !c.done(); i++ {
				if i > 20 {
					t.Fatal("cursor never finished")
				}
				for _, d := range c.step(day(20), day(31), 3) {
					if d.Before(day(20)) || d.After(day(31)) {
						t.Fatalf("step returned %s", d.Format(common.DateLayout))
					}
					seen[d]++
				}
			}
			for d, n := range seen {
				if n > 1 {
					t.Errorf("%s requested %d times", d.Format(common.DateLayout), n)
				}
			}
			if tt.name == "empty table" && len(seen) != 12 {
				t.Errorf("empty table covered %d days, want 12", len(seen))
			}
		})
	}
}

func TestRecentDaysClipped(t *testing.T) {
	s := New(Options{Start: day(30), End: day(31), RecentDays: 14, Now: func() time.Time { return day(31) }},
		nil, nil, nil, nil, nil, nil, nil, zerolog.Nop())
	got := s.recentDays()
	sort.Slice(got, func(i, j int) bool { return got[i].Before(got[j]) })
	if !reflect.DeepEqual(got, []time.Time{day(30), day(31)}) {
		t.Errorf("recentDays() = %v", got)
	}

	s = New(Options{Start: day(1), End: day(5), RecentDays: 14, Now: func() time.Time { return day(31) }},
		nil, nil, nil, nil, nil, nil, nil, zerolog.Nop())
	if got := s.recentDays(); len(got) != 0 {
		t.Errorf("historic range still scans recent days: %v", got)
	}
}

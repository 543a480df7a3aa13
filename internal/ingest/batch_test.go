package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/pool"
	"github.com/KI7MT/ecallisto-lab-apps/internal/spectro"
)

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	e, mem := newEngine()
	ctx := context.Background()

	// Sorted first, so registration has to step past it.
	bad := filepath.Join(dir, "ALASKA-COHOE_20230127_000000_612.fit.gz")
	if err := os.WriteFile(bad, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	paths := []string{bad}
	for _, start := range []string{"00:15:00", "00:30:00", "00:45:00"} {
		name := "ALASKA-COHOE_20230127_" + start[:2] + start[3:5] + "00_612.fit.gz"
		paths = append(paths, fixture{name: name, freqs: []float64{45, 46}, start: start, width: 4, value: 9}.write(t, dir))
	}
	paths = append(paths, fixture{name: "GLASGOW_20230127_001500_59.fit.gz", freqs: []float64{45}, start: "00:15:00", width: 3, value: 1}.write(t, dir))

	out, err := e.Batch(ctx, pool.New(2, 10, zerolog.Nop()), paths)
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if len(out) != len(paths) {
		t.Fatalf("Batch() returned %d outcomes, want %d", len(out), len(paths))
	}
	sum := pool.Summarize(out)
	if sum.OK != 4 || sum.Failed != 1 || sum.Rows != 15 {
		t.Errorf("summary = %+v", sum)
	}
	for _, o := range out {
		if o.Item == bad && !errors.Is(o.Err, spectro.ErrCorrupt) {
			t.Errorf("outcome for corrupt file = %v", o.Err)
		}
	}
	if got := mem.Rows(key); got != 12 {
		t.Errorf("rows in %s = %d, want 12", key, got)
	}
	if got := mem.Rows("glasgow_59"); got != 3 {
		t.Errorf("rows in glasgow_59 = %d, want 3", got)
	}
}

func TestBatchNothingReadable(t *testing.T) {
	dir := t.TempDir()
	e, mem := newEngine()
	var paths []string
	for _, name := range []string{"ALASKA-COHOE_20230127_000000_612.fit.gz", "ALASKA-COHOE_20230127_001500_612.fit.gz"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("<html></html>"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	out, err := e.Batch(context.Background(), pool.New(1, 1, zerolog.Nop()), paths)
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if sum := pool.Summarize(out); sum.Failed != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if tables, _ := mem.Tables(context.Background()); len(tables) != 0 {
		t.Errorf("tables = %v", tables)
	}
}

func TestBatchMalformedHeader(t *testing.T) {
	dir := t.TempDir()
	e, mem := newEngine()

	// Negative PCOUNT in an otherwise plausible primary header.
	var raw bytes.Buffer
	for _, c := range []string{
		"SIMPLE  =                    T",
		"BITPIX  =                    8",
		"NAXIS   =                    2",
		"NAXIS1  =                    4",
		"NAXIS2  =                    2",
		"PCOUNT  =                 -100",
		"END",
	} {
		raw.WriteString(c + strings.Repeat(" ", 80-len(c)))
	}
	raw.Write(bytes.Repeat([]byte(" "), 2880-raw.Len()))
	bad := filepath.Join(dir, "ALASKA-COHOE_20230127_000000_612.fit")
	if err := os.WriteFile(bad, raw.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	good := fixture{name: "ALASKA-COHOE_20230127_001500_612.fit.gz", freqs: []float64{45}, start: "00:15:00", width: 2, value: 1}.write(t, dir)

	out, err := e.Batch(context.Background(), pool.New(1, 1, zerolog.Nop()), []string{bad, good})
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Batch() returned %d outcomes, want 2", len(out))
	}
	for _, o := range out {
		if o.Item == bad && !errors.Is(o.Err, spectro.ErrCorrupt) {
			t.Errorf("outcome for malformed header = %v, want ErrCorrupt", o.Err)
		}
	}
	if got := mem.Rows(key); got != 2 {
		t.Errorf("rows in %s = %d, want 2", key, got)
	}
}

func TestTryFileRecoversPanic(t *testing.T) {
	e, _ := newEngine()
	e.Open = func(string) (*spectro.Spectrogram, error) { panic("index out of range") }
	if _, err := e.tryFile(context.Background(), "ALASKA-COHOE_20230127_000000_612.fit.gz"); !errors.Is(err, spectro.ErrCorrupt) {
		t.Errorf("tryFile() error = %v, want ErrCorrupt", err)
	}
}

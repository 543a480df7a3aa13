package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

func newApp(t *testing.T) *App {
	t.Helper()
	t.Chdir(t.TempDir()) // no stray .env
	a, err := New("ecallisto-test", "0.0.1", "test command")
	if err != nil {
		t.Fatal(err)
	}
	a.Flags.SetOutput(io.Discard)
	return a
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{fmt.Errorf("%w: bad date", common.ErrConfig), ExitConfig},
		{fmt.Errorf("open: %w", store.ErrConnectivity), ExitFailed},
		{errors.New("anything else"), ExitFailed},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"defaults", []string{"-dry-run"}, false},
		{"explicit range", []string{"-dry-run", "-start", "2023-01-01", "-end", "2023-01-31"}, false},
		{"end before start", []string{"-dry-run", "-start", "2023-02-01", "-end", "2023-01-31"}, true},
		{"bad date", []string{"-dry-run", "-start", "01/02/2023"}, true},
		{"unknown flag", []string{"-nope"}, true},
		{"bad level", []string{"-dry-run", "-log-level", "loud"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newApp(t)
			err := a.Parse(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, common.ErrConfig) {
				t.Errorf("Parse() error %v does not wrap ErrConfig", err)
			}
			if err == nil && a.Config.Backend != common.BackendMemory {
				t.Errorf("dry run backend = %q", a.Config.Backend)
			}
		})
	}
}

func TestBanner(t *testing.T) {
	a := newApp(t)
	var buf bytes.Buffer
	a.Stdout = &buf
	a.Banner("Summary", "Files", "3", "Rows inserted", "1200")

	out := buf.String()
	if strings.Count(out, rule) != 3 {
		t.Errorf("banner has %d rules:\n%s", strings.Count(out, rule), out)
	}
	if !strings.Contains(out, "Files:         3\n") || !strings.Contains(out, "Rows inserted: 1200\n") {
		t.Errorf("banner not aligned:\n%s", out)
	}
}

func TestFinish(t *testing.T) {
	a := newApp(t)
	if err := a.Parse([]string{"-dry-run", "-log-level", "disabled"}); err != nil {
		t.Fatal(err)
	}
	if got := a.Finish(context.Canceled); got != ExitFailed {
		t.Errorf("Finish(canceled) = %d", got)
	}
	if got := a.Finish(nil); got != ExitOK {
		t.Errorf("Finish(nil) = %d", got)
	}
}

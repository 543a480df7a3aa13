package common

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"
)

var now = time.Date(2023, 1, 27, 15, 4, 5, 0, time.UTC)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"explicit range", func(c *Config) { c.Start, c.End = "2023-01-01", "2023-01-10" }, false},
		{"end before start", func(c *Config) { c.Start, c.End = "2023-01-10", "2023-01-01" }, true},
		{"start in future", func(c *Config) { c.Start, c.End = "2023-02-01", "2023-02-02" }, true},
		{"bad date", func(c *Config) { c.Start = "27/01/2023" }, true},
		{"unknown backend", func(c *Config) { c.Backend = "sqlite" }, true},
		{"dry run overrides backend", func(c *Config) { c.Backend = "sqlite"; c.DryRun = true }, false},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }, true},
		{"negative retries", func(c *Config) { c.Retries = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.Backend = BackendMemory
			tt.mutate(c)
			err := c.Validate(now)
			if tt.wantErr {
				if !errors.Is(err, ErrConfig) {
					t.Fatalf("Validate() = %v, want ErrConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v", err)
			}
		})
	}
}

func TestValidateDefaultWindow(t *testing.T) {
	c := DefaultConfig()
	c.Backend = BackendMemory
	c.RecentDays = 14
	if err := c.Validate(now); err != nil {
		t.Fatal(err)
	}
	if got := len(Days(c.StartDate, c.EndDate)); got != 14 {
		t.Errorf("default window has %d days, want 14", got)
	}
	if !c.EndDate.Equal(Day(now)) {
		t.Errorf("EndDate = %v, want %v", c.EndDate, Day(now))
	}
}

func TestBindFlags(t *testing.T) {
	c := DefaultConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse([]string{"-instrument", " ALASKA-COHOE, glasgow ,", "-workers", "3", "-dry-run"}); err != nil {
		t.Fatal(err)
	}
	got := c.Instruments()
	if len(got) != 2 || got[0] != "ALASKA-COHOE" || got[1] != "glasgow" {
		t.Errorf("Instruments() = %q", got)
	}
	if c.Workers != 3 || !c.DryRun {
		t.Errorf("flags not applied: workers=%d dry-run=%v", c.Workers, c.DryRun)
	}
}

func TestInsecurePasswordDefault(t *testing.T) {
	t.Setenv("PGPASSWORD", "")
	c := DefaultConfig()
	if c.PGPassword != InsecurePassword || !c.UsingInsecurePassword {
		t.Errorf("expected documented insecure default, got %q", c.PGPassword)
	}
	t.Setenv("PGPASSWORD", "s3cret")
	c = DefaultConfig()
	if c.UsingInsecurePassword || !strings.Contains(c.PostgresDSN(), "s3cret") {
		t.Errorf("PGPASSWORD not honoured: %s", c.PostgresDSN())
	}
}

func TestDays(t *testing.T) {
	start := time.Date(2023, 2, 27, 13, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 2, 1, 0, 0, 0, time.UTC)
	days := Days(start, end)
	if len(days) != 4 {
		t.Fatalf("Days() returned %d days, want 4", len(days))
	}
	if days[3].Format(DateLayout) != "2023-03-02" {
		t.Errorf("last day = %s", days[3].Format(DateLayout))
	}
	if len(Days(end, start)) != 0 {
		t.Error("reversed range should be empty")
	}
}

func TestDayDir(t *testing.T) {
	c := &Config{DataDir: "/data"}
	got := c.DayDir(time.Date(2023, 1, 7, 0, 0, 0, 0, time.UTC))
	if got != "/data/2023/01/07" {
		t.Errorf("DayDir() = %s", got)
	}
}

func TestStatsPrintStatus(t *testing.T) {
	s := NewStats()
	var buf bytes.Buffer
	s.SetOutput(&buf)
	s.lastTime = now
	s.FileDone(120)
	s.FileDone(-1)
	s.FileFailed()
	s.printStatus(now.Add(time.Second))

	out := buf.String()
	if !strings.Contains(out, "Files: 2 ok, 1 failed") || !strings.Contains(out, "Rows: 120") {
		t.Errorf("unexpected progress line: %q", out)
	}

	buf.Reset()
	s.SetSilent(true)
	s.printStatus(now.Add(2 * time.Second))
	if buf.Len() != 0 {
		t.Error("silent stats printed output")
	}
}

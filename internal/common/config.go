// Package common provides shared configuration and progress reporting for the
// eCallisto lab applications.
package common

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfig marks a configuration problem detected before any work starts.
var ErrConfig = errors.New("invalid configuration")

// DateLayout is the layout accepted by -start and -end.
const DateLayout = "2006-01-02"

// Default archive locations.
const (
	DefaultArchiveURL = "http://soleil.i4ds.ch/solarradio/data/2002-20yy_Callisto/"
	DefaultBurstURL   = "http://soleil.i4ds.ch/solarradio/data/BurstLists/2010-yyyy_Monstein/"

	// InsecurePassword is used when PGPASSWORD is unset. It matches the
	// development database image and must never reach production.
	InsecurePassword = "1234"
)

// Backends understood by store.Open.
const (
	BackendTimescale  = "timescale"
	BackendClickHouse = "clickhouse"
	BackendMemory     = "memory"
)

// Config holds configuration for all applications. Values are resolved from
// defaults, then .env, then the process environment, then command flags.
type Config struct {
	Backend string

	PGHost     string
	PGPort     int
	PGDatabase string
	PGUser     string
	PGPassword string
	PGSSLMode  string

	ClickHouseHost     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	DataDir    string
	ArchiveURL string
	BurstURL   string

	LogLevel  string
	LogFormat string

	// Raw -start / -end values; Validate parses them into StartDate/EndDate.
	Start      string
	End        string
	StartDate  time.Time
	EndDate    time.Time
	Instrument string

	Workers    int
	ChunkSize  int
	DaysChunk  int
	RecentDays int

	Retain      bool
	Timeout     time.Duration
	Retries     int
	RetryBase   time.Duration
	RPS         float64
	MetricsFile string
	DryRun      bool
	Silent      bool

	// UsingInsecurePassword is set when PGPASSWORD fell back to InsecurePassword.
	UsingInsecurePassword bool
}

// Load reads an optional .env file from the working directory and returns
// the environment-backed defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: .env: %v", ErrConfig, err)
	}
	return DefaultConfig(), nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	c := &Config{
		Backend:            getEnv("ECALLISTO_BACKEND", BackendTimescale),
		PGHost:             getEnv("PGHOST", "localhost"),
		PGPort:             getEnvInt("PGPORT", 5432),
		PGDatabase:         getEnv("PGDATABASE", "tsdb"),
		PGUser:             getEnv("PGUSER", "postgres"),
		PGPassword:         os.Getenv("PGPASSWORD"),
		PGSSLMode:          getEnv("PGSSLMODE", "disable"),
		ClickHouseHost:     getEnv("CLICKHOUSE_HOST", "127.0.0.1:9000"),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "ecallisto"),
		ClickHouseUser:     getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),
		DataDir:            getEnv("ECALLISTO_DATA_DIR", "/var/lib/ecallisto"),
		ArchiveURL:         getEnv("ECALLISTO_ARCHIVE_URL", DefaultArchiveURL),
		BurstURL:           getEnv("ECALLISTO_BURST_URL", DefaultBurstURL),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		Workers:            runtime.NumCPU(),
		ChunkSize:          10,
		DaysChunk:          7,
		RecentDays:         14,
		Timeout:            60 * time.Second,
		Retries:            3,
		RetryBase:          500 * time.Millisecond,
		RPS:                10,
	}
	if c.PGPassword == "" {
		c.PGPassword = InsecurePassword
		c.UsingInsecurePassword = true
	}
	return c
}

// BindFlags registers the shared command-line flags on fs. Defaults come from c.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Start, "start", c.Start, "Start date YYYY-MM-DD (default: -recent-days before -end)")
	fs.StringVar(&c.End, "end", c.End, "End date YYYY-MM-DD inclusive (default: today, UTC)")
	fs.StringVar(&c.Instrument, "instrument", c.Instrument, "Instrument filter, comma separated (e.g. 'ALASKA-COHOE,GLASGOW')")
	fs.StringVar(&c.DataDir, "dir", c.DataDir, "Local data directory")
	fs.StringVar(&c.Backend, "backend", c.Backend, "Store backend: timescale, clickhouse, memory")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of parallel workers")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "Files per worker-pool batch")
	fs.IntVar(&c.DaysChunk, "days-chunk", c.DaysChunk, "Days fetched per backfill step")
	fs.IntVar(&c.RecentDays, "recent-days", c.RecentDays, "Trailing window scanned for new files")
	fs.BoolVar(&c.Retain, "retain", c.Retain, "Keep downloaded files after ingestion")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "HTTP timeout per request")
	fs.IntVar(&c.Retries, "retries", c.Retries, "HTTP retries per request")
	fs.DurationVar(&c.RetryBase, "retry-base", c.RetryBase, "Initial HTTP retry backoff")
	fs.Float64Var(&c.RPS, "rps", c.RPS, "Maximum archive requests per second (0 = unlimited)")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "Write Prometheus textfile metrics here on exit")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun, "Use the in-memory store (nothing is written)")
	fs.BoolVar(&c.Silent, "silent", c.Silent, "Disable progress output")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: console, json")
}

// Validate checks the configuration against now and resolves the date range.
// Every failure wraps ErrConfig.
func (c *Config) Validate(now time.Time) error {
	if c.DryRun {
		c.Backend = BackendMemory
	}
	switch c.Backend {
	case BackendTimescale, BackendClickHouse, BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrConfig, c.Backend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: -workers must be at least 1", ErrConfig)
	}
	if c.ChunkSize < 1 || c.DaysChunk < 1 || c.RecentDays < 1 {
		return fmt.Errorf("%w: -chunk-size, -days-chunk and -recent-days must be at least 1", ErrConfig)
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: -retries must not be negative", ErrConfig)
	}
	if c.RPS < 0 {
		return fmt.Errorf("%w: -rps must not be negative", ErrConfig)
	}
	if _, err := url.ParseRequestURI(c.ArchiveURL); err != nil {
		return fmt.Errorf("%w: archive url: %v", ErrConfig, err)
	}

	today := Day(now)
	end := today
	if c.End != "" {
		t, err := time.Parse(DateLayout, c.End)
		if err != nil {
			return fmt.Errorf("%w: -end %q: expected YYYY-MM-DD", ErrConfig, c.End)
		}
		end = t
	}
	start := end.AddDate(0, 0, -(c.RecentDays - 1))
	if c.Start != "" {
		t, err := time.Parse(DateLayout, c.Start)
		if err != nil {
			return fmt.Errorf("%w: -start %q: expected YYYY-MM-DD", ErrConfig, c.Start)
		}
		start = t
	}
	if start.After(today) {
		return fmt.Errorf("%w: start date %s is in the future", ErrConfig, start.Format(DateLayout))
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end date %s is before start date %s", ErrConfig,
			end.Format(DateLayout), start.Format(DateLayout))
	}
	c.StartDate, c.EndDate = start, end
	return nil
}

// Instruments returns the comma-separated -instrument entries, trimmed.
func (c *Config) Instruments() []string {
	var out []string
	for _, s := range strings.Split(c.Instrument, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PostgresDSN returns a libpq-style connection URL for pgx.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PGUser, c.PGPassword),
		Host:     fmt.Sprintf("%s:%d", c.PGHost, c.PGPort),
		Path:     "/" + c.PGDatabase,
		RawQuery: "sslmode=" + url.QueryEscape(c.PGSSLMode),
	}
	return u.String()
}

// DayDir returns the local directory for files observed on day.
func (c *Config) DayDir(day time.Time) string {
	return filepath.Join(c.DataDir, day.Format("2006"), day.Format("01"), day.Format("02"))
}

// LedgerPath returns the location of the processed-file ledger.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "processed.parquet")
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days returns every day from start to end inclusive. It is empty when end
// is before start.
func Days(start, end time.Time) []time.Time {
	start, end = Day(start), Day(end)
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

// Package cli holds the start-up and shutdown sequence shared by the
// commands: configuration, flags, logging, signals, summary banners and
// exit codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/logging"
	"github.com/KI7MT/ecallisto-lab-apps/internal/metrics"
	"github.com/KI7MT/ecallisto-lab-apps/internal/store"
)

// Exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1 // connectivity loss or failed work
	ExitConfig = 2
)

const rule = "========================================================="

// App is one command invocation.
type App struct {
	Name    string
	Version string
	Config  *common.Config
	Flags   *flag.FlagSet
	Log     zerolog.Logger
	RunID   string
	Started time.Time

	// Stdout receives banners; defaults to os.Stdout.
	Stdout io.Writer
}

// New loads the environment configuration and registers the shared flags.
// Commands add their own flags to Flags before calling Parse.
func New(name, version, about string) (*App, error) {
	cfg, err := common.Load()
	if err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.BindFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "%s v%s - %s\n\n", name, version, about)
		fmt.Fprintf(fs.Output(), "Usage: %s [OPTIONS]\n\n", name)
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nEnvironment: PGHOST PGPORT PGDATABASE PGUSER PGPASSWORD PGSSLMODE\n")
		fmt.Fprintf(fs.Output(), "             CLICKHOUSE_HOST CLICKHOUSE_DATABASE ECALLISTO_BACKEND ECALLISTO_DATA_DIR\n")
	}
	return &App{
		Name:    name,
		Version: version,
		Config:  cfg,
		Flags:   fs,
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Stdout:  os.Stdout,
	}, nil
}

// Parse parses args, validates the configuration and initialises logging.
// Errors wrap common.ErrConfig; flag.ErrHelp is returned unchanged.
func (a *App) Parse(args []string) error {
	if err := a.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", common.ErrConfig, err)
	}
	if !logging.ValidLevel(a.Config.LogLevel) {
		return fmt.Errorf("%w: unknown log level %q", common.ErrConfig, a.Config.LogLevel)
	}
	if err := a.Config.Validate(time.Now()); err != nil {
		return err
	}
	a.Log = logging.Init(logging.Config{Level: a.Config.LogLevel, Format: a.Config.LogFormat}).
		With().Str("app", a.Name).Str("run_id", a.RunID).Logger()
	if a.Config.UsingInsecurePassword && a.Config.Backend == common.BackendTimescale {
		a.Log.Warn().Msg("PGPASSWORD not set, using the insecure development default")
	}
	return nil
}

// Context returns a context canceled on SIGINT or SIGTERM.
func (a *App) Context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			a.Log.Warn().Msg("shutdown requested, finishing current batch")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// Banner prints a titled block of "key: value" pairs.
func (a *App) Banner(title string, pairs ...string) {
	fmt.Fprintln(a.Stdout, rule)
	fmt.Fprintln(a.Stdout, title)
	fmt.Fprintln(a.Stdout, rule)
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		width = max(width, len(pairs[i]))
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(a.Stdout, "%-*s %s\n", width+1, pairs[i]+":", pairs[i+1])
	}
	if len(pairs) > 0 {
		fmt.Fprintln(a.Stdout, rule)
	}
}

// Header prints the start-of-run banner with the settings every command
// shares.
func (a *App) Header(extra ...string) {
	c := a.Config
	pairs := []string{
		"Run ID", a.RunID,
		"Backend", c.Backend,
		"Dates", c.StartDate.Format(common.DateLayout) + " .. " + c.EndDate.Format(common.DateLayout),
		"Instrument", orAll(c.Instrument),
		"Data dir", c.DataDir,
		"Workers", fmt.Sprint(c.Workers),
	}
	a.Banner(fmt.Sprintf("%s v%s", a.Name, a.Version), append(pairs, extra...)...)
}

// Finish logs err, writes the metrics textfile and returns the exit code.
func (a *App) Finish(err error) int {
	if werr := metrics.WriteTextfile(a.Config.MetricsFile); werr != nil {
		a.Log.Error().Err(werr).Msg("writing metrics textfile")
	}
	code := ExitCode(err)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConnectivity):
		logging.Critical(&a.Log).Err(err).Msg("store unreachable, aborting run")
	case errors.Is(err, context.Canceled):
		a.Log.Warn().Msg("run canceled")
	default:
		a.Log.Error().Err(err).Msg("run failed")
	}
	return code
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, common.ErrConfig):
		return ExitConfig
	}
	return ExitFailed
}

// Main runs a command's body and exits. Configuration errors are printed
// with the usage text.
func Main(name, version, about string, setup func(*App), run func(context.Context, *App) error) {
	app, err := New(name, version, about)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}
	if setup != nil {
		setup(app)
	}
	if err := app.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(ExitOK)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		app.Flags.Usage()
		os.Exit(ExitConfig)
	}
	ctx, cancel := app.Context()
	err = run(ctx, app)
	cancel()
	os.Exit(app.Finish(err))
}

func orAll(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(all)"
	}
	return s
}

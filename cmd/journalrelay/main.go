// JournalRelay imports diary exports into a record store.
//
// Usage:
//
//	journalrelay import export.zip [more.zip ...]  # reconcile entries into the backend
//	journalrelay schema                             # create or extend the journal tables
//	journalrelay export [-o entries.json]           # dump imported entries as JSON
//	journalrelay backends                           # list available backends
//	journalrelay version                            # print version
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/config"
	"github.com/njoerd114/journalrelay/internal/schema"
	"github.com/njoerd114/journalrelay/internal/state"
	"github.com/njoerd114/journalrelay/internal/telemetry"

	_ "github.com/njoerd114/journalrelay/internal/backend/grist"
	_ "github.com/njoerd114/journalrelay/internal/backend/nocodb"
	_ "github.com/njoerd114/journalrelay/internal/backend/sqlite"
	_ "github.com/njoerd114/journalrelay/internal/backend/teable"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath     string
	verbose     bool
	backendFlag string
)

var rootCmd = &cobra.Command{
	Use:   "journalrelay",
	Short: "Import diary exports into NocoDB, Teable, Grist or SQLite",
	Long: `JournalRelay reads Journey ZIP exports and reconciles their entries and
attachments into a record store. Entries are matched by their journal id:
new entries are created, entries modified since the last import are updated
and everything else is left alone, so imports can be re-run safely.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultCfg, _ := config.DefaultPath()
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultCfg, "path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "override the configured backend")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// app bundles what every backend-facing command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	adapter backend.Adapter
	closers []func()
}

// setup loads the config, installs logging and telemetry, and opens the
// backend. The caller must call close.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	if backendFlag != "" {
		if err := cfg.UseBackend(backendFlag); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg}
	var logOut io.Writer = os.Stderr
	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		logOut = io.MultiWriter(os.Stderr, lj)
		a.closers = append(a.closers, func() { _ = lj.Close() })
	}
	a.logger = newLogger(logOut, verbose || cfg.Log.Verbose)
	slog.SetDefault(a.logger)

	a.logger.Info("config loaded", "path", cfgPath, "backend", cfg.Backend)

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Backend:        cfg.Backend,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			a.logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			a.logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					a.logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	adapter, err := backend.Open(ctx, cfg.Backend, cfg.BackendSettings(), a.logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.adapter = adapter
	a.closers = append(a.closers, func() {
		if err := adapter.Close(); err != nil {
			a.logger.Error("closing backend", "error", err)
		}
	})
	return a, nil
}

// ensureSchema creates or extends the journal tables and logs any drift.
func (a *app) ensureSchema(ctx context.Context) (*schema.Journal, error) {
	j, err := schema.NewReconciler(a.adapter, a.logger).EnsureJournalSchema(ctx, a.cfg.TableNames())
	if err != nil {
		return nil, fmt.Errorf("ensuring journal schema on %s: %w", a.adapter.Name(), err)
	}
	return j, nil
}

// openHistory opens the local run history database.
func (a *app) openHistory() (*state.Store, error) {
	path := a.cfg.StateDB
	if path == "" {
		var err error
		if path, err = state.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	st, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", path, err)
	}
	return st, nil
}

// close runs the closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

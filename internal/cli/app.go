package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/alx-kng/telefender/internal/config"
	"github.com/alx-kng/telefender/internal/download"
	"github.com/alx-kng/telefender/internal/engine"
	"github.com/alx-kng/telefender/internal/execute"
	"github.com/alx-kng/telefender/internal/metrics"
	"github.com/alx-kng/telefender/internal/native"
	"github.com/alx-kng/telefender/internal/phone"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tablesync"
	"github.com/alx-kng/telefender/internal/tracing"
	"github.com/alx-kng/telefender/internal/upload"
	"github.com/alx-kng/telefender/internal/workstate"
)

// app is the wiring shared by every command: configuration, store, engine
// and the file-backed native providers.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	states  *workstate.Coordinator
	norm    phone.Normalizer
	native  *native.File
	engine  *engine.Engine
	metrics *metrics.Metrics
	out     *OutputFormatter

	shutdownTracing func(context.Context) error
}

// appOptions tunes how the app is assembled for one command.
type appOptions struct {
	// logWriter overrides where log records go (default: stderr).
	logWriter io.Writer
	// metrics enables the Prometheus collectors.
	metrics bool
}

// loadConfig reads the configuration, applying root flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	var copts []config.Option
	if opts.ConfigFile != "" {
		copts = append(copts, config.WithFile(opts.ConfigFile))
	} else {
		copts = append(copts, config.WithSearchPath("."))
		if dir, err := os.UserConfigDir(); err == nil {
			copts = append(copts, config.WithSearchPath(filepath.Join(dir, "telefender")))
		}
	}
	if opts.Database != "" {
		copts = append(copts, config.WithOverride("database", opts.Database))
	}
	cfg, err := config.Load(copts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
	}
	return cfg, nil
}

// newLogger builds the slog handler for the root flags: JSON records when
// --format=json, text otherwise; debug level with --verbose.
func newLogger(w io.Writer, opts *RootOptions) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// newApp loads configuration and opens the store and engine.
// The caller must call close.
func newApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions, aopts appOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logWriter := aopts.logWriter
	if logWriter == nil {
		logWriter = cmd.ErrOrStderr()
	}
	logger := newLogger(logWriter, opts)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to create database directory", err)
	}
	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to open database", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		states: workstate.New(workstate.WithPollInterval(cfg.PollInterval)),
		norm:   phone.New(cfg.DefaultRegion),
		native: native.NewFile(cfg.NativeContactsFile, cfg.NativeCallsFile, native.WithFileLogger(logger)),
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}
	if aopts.metrics {
		a.metrics = metrics.New()
	}
	if a.shutdownTracing, err = tracing.Init(ctx, cfg.OTLPEndpoint); err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig, "failed to initialize tracing", err)
	}

	client := protocol.NewHTTPClient(cfg.ServerURL, protocol.WithClientLogger(logger))
	a.engine = engine.New(st, client,
		engine.WithCoordinator(a.states),
		engine.WithLogger(logger),
		engine.WithMetrics(a.metrics),
		engine.WithNormalizer(a.norm),
		engine.WithSyncInterval(cfg.SyncInterval),
		engine.WithExecuteOptions(execute.WithMaxAttempts(cfg.ExecuteMaxAttempts)),
		engine.WithUploadOptions(
			upload.WithBatchSize(cfg.UploadBatchSize),
			upload.WithMaxAttempts(cfg.UploadMaxAttempts),
			upload.WithRetryDelay(cfg.RetryDelay),
		),
		engine.WithDownloadOptions(
			download.WithMaxAttempts(cfg.DownloadMaxAttempts),
			download.WithRetryDelay(cfg.RetryDelay),
		),
		engine.WithNative(a.native, a.native,
			tablesync.WithCallLogLookback(cfg.CallLogLookback),
			tablesync.WithCallLogMaxAttempts(cfg.CallLogMaxAttempts),
			tablesync.WithRetryDelay(cfg.RetryDelay),
		),
	)

	if _, err := a.engine.Resume(ctx); err != nil {
		a.close()
		return nil, WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to read installation state", err)
	}
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("error flushing traces", "error", err)
	}
	a.states.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// requireKey fails fast when setup has not stored a client key.
func (a *app) requireKey(ctx context.Context) error {
	m, err := a.store.StoredMap(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeDatabase, "failed to read installation state", err)
	}
	if !m.HasKey() {
		return WrapExitError(ExitCommandError, ErrCodeNotRegistered, "not registered; run 'telefender setup' first", protocol.ErrNotRegistered)
	}
	return nil
}

// stageFailure maps an agent or engine error to an ExitError.
func stageFailure(message string, err error) error {
	if errors.Is(err, protocol.ErrNotRegistered) {
		return WrapExitError(ExitCommandError, ErrCodeNotRegistered, message, err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, ErrCodeGeneric, message, err)
	}
	return WrapExitError(ExitFailure, ErrCodeSyncFailed, message, err)
}

// withApp runs fn with a freshly assembled app and reports failures in the
// configured format.
func withApp(cmd *cobra.Command, opts *RootOptions, aopts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cmd, opts, aopts)
	if err != nil {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return out.Fail(err, nil)
	}
	defer a.close()

	if err := fn(ctx, a); err != nil {
		return a.out.Fail(err, nil)
	}
	return nil
}

// describe formats a count line for text output.
func describe(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%-20s %v\n", label+":", value)
}

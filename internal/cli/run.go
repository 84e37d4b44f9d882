package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/push"
	"github.com/alx-kng/telefender/internal/tablesync"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoWatch bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler until interrupted",
		Long: `Run the telefender sync scheduler in the foreground.

A round runs immediately, then every sync_interval, whenever the native
contacts or call-log files change, and whenever the push connection asks
for one. When metrics_addr is set, Prometheus metrics are served on
/metrics. Only one serve process may use a data directory at a time.

Example:
  telefender serve
  telefender serve --config /etc/telefender.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not watch the native provider files")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	fail := func(err error) error {
		return (&OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}).Fail(err, nil)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return fail(err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fail(WrapExitError(ExitCommandError, ErrCodeConfig, "failed to create data directory", err))
	}

	lock := flock.New(cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return fail(WrapExitError(ExitCommandError, ErrCodeLocked, "failed to lock data directory", err))
	}
	if !locked {
		return fail(NewExitError(ExitCommandError, ErrCodeLocked,
			fmt.Sprintf("another telefender process is using %s", cfg.DataDir)))
	}
	defer func() {
		_ = lock.Unlock()
	}()

	var logWriter io.Writer
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer lj.Close()
		logWriter = lj
	}

	return withApp(cmd, opts.RootOptions, appOptions{logWriter: logWriter, metrics: true}, func(ctx context.Context, a *app) error {
		if err := a.requireKey(ctx); err != nil {
			return err
		}
		return serve(ctx, cmd, opts, a)
	})
}

func serve(parentCtx context.Context, cmd *cobra.Command, opts *ServeOptions, a *app) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	if addr := a.cfg.MetricsAddr; addr != "" {
		g.Go(func() error {
			return a.metrics.Serve(gctx, addr)
		})
	}

	if url := a.cfg.PushURL; url != "" {
		listener := push.New(url, a.engine.Trigger,
			push.WithLogger(a.logger),
			push.WithCredentials(func(ctx context.Context) (protocol.KeyedEnvelope, error) {
				return protocol.Credentials(ctx, a.store, a.states)
			}))
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	if !opts.NoWatch {
		g.Go(func() error {
			return a.engine.Synchronizer().Watch(gctx, a.native, func(res tablesync.Result) {
				a.logger.Debug("native change recorded", "changes", res.Contacts.Emitted(), "calls", res.Calls)
				a.engine.Trigger("native-change")
			})
		})
	}

	a.logger.Info("telefender serving",
		"db", a.cfg.Database,
		"server", a.cfg.ServerURL,
		"interval", a.cfg.SyncInterval,
		"metrics", a.cfg.MetricsAddr,
		"push", a.cfg.PushURL != "")
	fmt.Fprintln(cmd.OutOrStdout(), "telefender serving. Press Ctrl-C to stop.")

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, ErrCodeGeneric, "serve stopped", err)
	}

	slog.Info("telefender stopped gracefully")
	return nil
}

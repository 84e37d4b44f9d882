package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alx-kng/telefender/internal/download"
	"github.com/alx-kng/telefender/internal/execute"
	"github.com/alx-kng/telefender/internal/metrics"
	"github.com/alx-kng/telefender/internal/native"
	"github.com/alx-kng/telefender/internal/phone"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tablesync"
	"github.com/alx-kng/telefender/internal/upload"
	"github.com/alx-kng/telefender/internal/workstate"
)

// DefaultSyncInterval is how often Run starts a round without a trigger.
const DefaultSyncInterval = 15 * time.Minute

// Report summarizes one sync round.
type Report struct {
	Round     int64                    `json:"round"`
	TableSync *tablesync.Result        `json:"tablesync,omitempty"`
	Execute   execute.DrainResult      `json:"execute"`
	Upload    map[string]upload.Result `json:"upload"`
	Download  download.Result          `json:"download"`
	Depths    store.QueueDepths        `json:"depths"`
	Duration  time.Duration            `json:"duration"`
}

// Engine owns the agents of one installation and schedules sync rounds.
//
// Thread-safety model:
//   - Trigger(), SyncOnce(), Setup(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// SyncOnce calls are serialized; a round never overlaps another.
type Engine struct {
	store   *store.Store
	client  protocol.Client
	states  *workstate.Coordinator
	metrics *metrics.Metrics
	logger  *slog.Logger
	norm    phone.Normalizer

	executor   *execute.Agent
	uploader   *upload.Agent
	downloader *download.Agent
	syncer     *tablesync.Synchronizer

	interval time.Duration
	triggers *triggerQueue
	rounds   *Rounds

	mu sync.Mutex
}

// config gathers the options before the agents are built.
type config struct {
	states       *workstate.Coordinator
	metrics      *metrics.Metrics
	logger       *slog.Logger
	norm         phone.Normalizer
	interval     time.Duration
	contacts     native.ContactProvider
	calls        native.CallLogProvider
	executeOpts  []execute.Option
	uploadOpts   []upload.Option
	downloadOpts []download.Option
	syncOpts     []tablesync.Option
}

// Option configures an Engine.
type Option func(*config)

// WithCoordinator shares an existing work-state coordinator. By default the
// engine creates its own.
func WithCoordinator(c *workstate.Coordinator) Option {
	return func(cfg *config) { cfg.states = c }
}

// WithMetrics records metrics for every agent.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) { cfg.metrics = m }
}

// WithLogger sets the logger for the engine and every agent.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// WithNormalizer sets the phone normalizer for execution and table sync.
func WithNormalizer(n phone.Normalizer) Option {
	return func(cfg *config) { cfg.norm = n }
}

// WithSyncInterval sets the period of scheduled rounds in Run.
func WithSyncInterval(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.interval = d
		}
	}
}

// WithNative enables table sync against the given providers. Either may be
// nil.
func WithNative(contacts native.ContactProvider, calls native.CallLogProvider, opts ...tablesync.Option) Option {
	return func(cfg *config) {
		cfg.contacts = contacts
		cfg.calls = calls
		cfg.syncOpts = append(cfg.syncOpts, opts...)
	}
}

// WithExecuteOptions passes options to the execute agent.
func WithExecuteOptions(opts ...execute.Option) Option {
	return func(cfg *config) { cfg.executeOpts = append(cfg.executeOpts, opts...) }
}

// WithUploadOptions passes options to the upload agent.
func WithUploadOptions(opts ...upload.Option) Option {
	return func(cfg *config) { cfg.uploadOpts = append(cfg.uploadOpts, opts...) }
}

// WithDownloadOptions passes options to the download agent.
func WithDownloadOptions(opts ...download.Option) Option {
	return func(cfg *config) { cfg.downloadOpts = append(cfg.downloadOpts, opts...) }
}

// New creates an Engine over s talking to client. The agents share one
// coordinator, lock manager, metrics and logger.
func New(s *store.Store, client protocol.Client, opts ...Option) *Engine {
	cfg := config{
		logger:   slog.Default(),
		norm:     phone.New(phone.DefaultRegion),
		interval: DefaultSyncInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.states == nil {
		cfg.states = workstate.New()
	}

	e := &Engine{
		store:    s,
		client:   client,
		states:   cfg.states,
		metrics:  cfg.metrics,
		logger:   cfg.logger,
		norm:     cfg.norm,
		interval: cfg.interval,
		triggers: newTriggerQueue(),
		rounds:   NewRounds(),
	}

	e.executor = execute.New(s, append([]execute.Option{
		execute.WithLogger(cfg.logger),
		execute.WithNormalizer(cfg.norm),
		execute.WithMetrics(cfg.metrics),
		execute.WithCoordinator(cfg.states),
	}, cfg.executeOpts...)...)

	e.uploader = upload.New(s, client, append([]upload.Option{
		upload.WithLogger(cfg.logger),
		upload.WithMetrics(cfg.metrics),
		upload.WithCoordinator(cfg.states),
	}, cfg.uploadOpts...)...)

	e.downloader = download.New(s, client, e.executor, append([]download.Option{
		download.WithLogger(cfg.logger),
		download.WithMetrics(cfg.metrics),
		download.WithCoordinator(cfg.states),
	}, cfg.downloadOpts...)...)

	if cfg.contacts != nil || cfg.calls != nil {
		e.syncer = tablesync.New(s, cfg.contacts, cfg.calls, append([]tablesync.Option{
			tablesync.WithLogger(cfg.logger),
			tablesync.WithNormalizer(cfg.norm),
			tablesync.WithMetrics(cfg.metrics),
			tablesync.WithCoordinator(cfg.states),
			tablesync.WithLockManager(e.executor.Locks()),
		}, cfg.syncOpts...)...)
	}

	return e
}

// States returns the engine's work-state coordinator.
func (e *Engine) States() *workstate.Coordinator { return e.states }

// Executor returns the execute agent.
func (e *Engine) Executor() *execute.Agent { return e.executor }

// Uploader returns the upload agent.
func (e *Engine) Uploader() *upload.Agent { return e.uploader }

// Downloader returns the download agent.
func (e *Engine) Downloader() *download.Agent { return e.downloader }

// Synchronizer returns the table synchronizer, or nil without providers.
func (e *Engine) Synchronizer() *tablesync.Synchronizer { return e.syncer }

// Resume marks setup as done when a client key is already stored, so that
// agents do not wait for a handshake that happened in an earlier process.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	m, err := e.store.StoredMap(ctx)
	if err != nil {
		return false, fmt.Errorf("resume: %w", err)
	}
	if !m.HasKey() {
		return false, nil
	}
	e.states.Succeed(workstate.Setup)
	e.logger.Info("resumed installation", "instance", m.UserNumber)
	return true, nil
}

// Trigger requests a sync round as soon as possible. Safe from any
// goroutine; returns false after Run has stopped.
func (e *Engine) Trigger(reason string) bool {
	return e.triggers.Enqueue(reason)
}

// SyncOnce runs one full round: table sync, execute, then upload and
// download concurrently. Every stage runs even if an earlier one failed;
// failures are returned joined as *StageError values.
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	report := Report{Round: e.rounds.Next(), Upload: map[string]upload.Result{}}
	logger := e.logger.With("round", report.Round)
	logger.Debug("sync round starting")

	var errs []error
	fail := func(stage Stage, err error) {
		logger.Warn("sync stage failed", "stage", stage, "error", err)
		errs = append(errs, &StageError{Stage: stage, Round: report.Round, Err: err})
	}

	// Without a key and no handshake in progress, keyed stages would wait
	// forever for setup.
	if err := e.requireSetup(ctx); err != nil {
		fail(StageSetup, err)
		return report, errors.Join(errs...)
	}

	if e.syncer != nil {
		res, err := e.syncer.Sync(ctx)
		report.TableSync = &res
		if err != nil {
			fail(StageTableSync, err)
		}
	}

	drained, err := e.executor.Drain(ctx)
	report.Execute = drained
	if err != nil {
		fail(StageExecute, err)
	}

	var (
		uploaded         map[store.UploadQueue]upload.Result
		uploadErr, dlErr error
		g                errgroup.Group
	)
	g.Go(func() error {
		uploaded, uploadErr = e.uploader.UploadAll(ctx)
		return nil
	})
	g.Go(func() error {
		report.Download, dlErr = e.downloader.Download(ctx)
		return nil
	})
	_ = g.Wait()

	for q, res := range uploaded {
		report.Upload[q.String()] = res
	}
	if uploadErr != nil {
		fail(StageUpload, uploadErr)
	}
	if dlErr != nil {
		fail(StageDownload, dlErr)
	}

	depths, err := e.store.QueueDepths(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("queue depths: %w", err))
	}
	report.Depths = depths
	report.Duration = time.Since(start)

	logger.Info("sync round finished",
		"duration", report.Duration,
		"applied", report.Execute.Applied,
		"downloaded", report.Download.Inserted,
		"pending_execute", depths.Execute,
		"pending_upload", depths.UploadChange+depths.UploadAnalyzed+depths.UploadError,
		"failed_stages", len(errs))
	return report, errors.Join(errs...)
}

// Run is the scheduler loop. It runs a round immediately, then on every
// tick and after every Trigger, until ctx is cancelled or Stop is called.
//
// ERROR HANDLING: a failed round is logged and the loop continues; the
// next tick or trigger retries. Only cancellation ends Run.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.round(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.triggers.Close()
			return ctx.Err()

		case <-ticker.C:
			e.round(ctx, "tick")

		case <-e.triggers.Wait():
			// The signal channel closes when the queue is closed.
			if e.triggers.Closed() {
				e.logger.Info("engine stopping: stopped")
				return nil
			}
			reasons := e.triggers.Drain()
			if len(reasons) == 0 {
				continue
			}
			e.round(ctx, reasons[0])
		}
	}
}

// Stop makes Run return and rejects further triggers.
func (e *Engine) Stop() {
	e.triggers.Close()
}

func (e *Engine) requireSetup(ctx context.Context) error {
	m, err := e.store.StoredMap(ctx)
	if err != nil {
		return err
	}
	if m.HasKey() || e.states.State(workstate.Setup) == workstate.Running {
		return nil
	}
	return protocol.ErrNotRegistered
}

func (e *Engine) round(ctx context.Context, reason string) {
	if _, err := e.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("sync round failed", "reason", reason, "error", err)
	}
}

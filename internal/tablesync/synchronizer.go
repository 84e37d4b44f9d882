// Package tablesync reconciles the local replica with the device's native
// contacts and call log.
//
// The synchronizer is never an authority over materialized state: contact
// drift becomes ordinary client change logs (RecordFromClient), so it flows
// through the same execute and upload path as user actions. Call logs are
// local telemetry and are inserted directly.
package tablesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alx-kng/telefender/internal/execute"
	"github.com/alx-kng/telefender/internal/metrics"
	"github.com/alx-kng/telefender/internal/native"
	"github.com/alx-kng/telefender/internal/phone"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tracing"
	"github.com/alx-kng/telefender/internal/workstate"
)

// ErrNoInstance is returned when no user number is stored yet.
var ErrNoInstance = errors.New("tablesync: no instance number; run setup first")

// Defaults.
const (
	DefaultCallLogLookback    = 5 * time.Minute
	DefaultCallLogMaxAttempts = 3
	DefaultRetryDelay         = time.Second
	DefaultDebounce           = 500 * time.Millisecond
)

// Result summarizes one Sync.
type Result struct {
	Contacts ContactResult `json:"contacts"`
	Calls    int           `json:"calls"`
}

// Synchronizer diffs native providers against the local store.
//
// Thread-safety: safe for concurrent use. Syncs are serialized.
type Synchronizer struct {
	store    *store.Store
	contacts native.ContactProvider
	calls    native.CallLogProvider
	norm     phone.Normalizer
	locks    *execute.LockManager
	states   *workstate.Coordinator
	metrics  *metrics.Metrics
	logger   *slog.Logger

	lookback    time.Duration
	maxAttempts int
	retryDelay  time.Duration
	debounce    time.Duration

	// mu is the synchronizer-wide exclusive region.
	mu sync.Mutex
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithNormalizer sets the phone normalizer.
func WithNormalizer(n phone.Normalizer) Option {
	return func(s *Synchronizer) { s.norm = n }
}

// WithLockManager shares region locks with the execute agent so that
// re-verification and emission exclude concurrent execution.
func WithLockManager(lm *execute.LockManager) Option {
	return func(s *Synchronizer) {
		if lm != nil {
			s.locks = lm
		}
	}
}

// WithCallLogLookback sets how far before the last call-log sync the next
// sync starts reading.
func WithCallLogLookback(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d >= 0 {
			s.lookback = d
		}
	}
}

// WithCallLogMaxAttempts sets how many times a failing call-log sync is tried.
func WithCallLogMaxAttempts(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between call-log attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

// WithDebounce sets how long Watch waits for provider changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// WithCoordinator publishes TableSync and CallLogSync work states and
// waits on Setup when no instance is stored yet.
func WithCoordinator(c *workstate.Coordinator) Option {
	return func(s *Synchronizer) { s.states = c }
}

// WithMetrics counts emitted changes and recorded calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// New creates a Synchronizer. Either provider may be nil to skip that side.
func New(st *store.Store, contacts native.ContactProvider, calls native.CallLogProvider, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:       st,
		contacts:    contacts,
		calls:       calls,
		norm:        phone.New(phone.DefaultRegion),
		locks:       execute.NewLockManager(),
		logger:      slog.Default(),
		lookback:    DefaultCallLogLookback,
		maxAttempts: DefaultCallLogMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		debounce:    DefaultDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs the contact diff and then the call-log sync. A contact failure
// does not prevent the call-log sync; the first error is returned.
func (s *Synchronizer) Sync(ctx context.Context) (Result, error) {
	var result Result
	var errs []error

	if s.contacts != nil {
		res, err := s.SyncContacts(ctx)
		result.Contacts = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	if s.calls != nil {
		n, err := s.SyncCallLog(ctx)
		result.Calls = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}

// instance returns this device's normalized instance number, waiting for
// setup when a coordinator is configured.
func (s *Synchronizer) instance(ctx context.Context) (string, error) {
	m, err := s.store.StoredMap(ctx)
	if err != nil {
		return "", err
	}
	if m.UserNumber == "" && s.states != nil {
		ok, err := s.states.Await(ctx, workstate.Setup, workstate.AwaitOptions{StopOnFail: true})
		if err != nil {
			return "", err
		}
		if ok {
			if m, err = s.store.StoredMap(ctx); err != nil {
				return "", err
			}
		}
	}
	if m.UserNumber == "" {
		return "", ErrNoInstance
	}
	return s.norm.Normalize(m.UserNumber), nil
}

// stage wraps one synchronizer stage in a span, a work state and a metric.
func (s *Synchronizer) stage(ctx context.Context, name string, kind workstate.Kind, fn func(ctx context.Context) (int, error)) error {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, name)
	defer span.End()
	if s.states != nil {
		s.states.Start(kind)
	}

	n, err := fn(ctx)

	span.SetAttributes(attribute.Int("changes", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		err = fmt.Errorf("%s: %w", name, err)
	}
	s.metrics.ObserveStage(name, start, err)
	if s.states != nil {
		s.states.Finish(kind, err)
	}
	return err
}

// Watch registers an observer on obs and runs Sync after each burst of
// change notifications has been quiet for the debounce interval. after, if
// non-nil, is called following every sync that changed something.
//
// Watch returns when ctx is done, after unregistering the observer.
func (s *Synchronizer) Watch(ctx context.Context, obs native.Observable, after func(Result)) error {
	signal := make(chan struct{}, 1)
	unregister, err := obs.Observe(func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("tablesync watch: %w", err)
	}
	defer unregister()

	s.logger.Info("watching native providers", "debounce", s.debounce)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-signal:
			timer.Reset(s.debounce)

		case <-timer.C:
			res, err := s.Sync(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("native change sync failed", "error", err)
				continue
			}
			if after != nil && (res.Contacts.Emitted() > 0 || res.Calls > 0) {
				after(res)
			}
		}
	}
}

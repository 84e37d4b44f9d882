package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/metrics"
	"github.com/alx-kng/telefender/internal/phone"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tracing"
	"github.com/alx-kng/telefender/internal/workstate"
)

// DefaultMaxAttempts is how many times an entry is tried before it is moved
// to the error queue.
const DefaultMaxAttempts = 5

// Drop reasons reported to metrics.
const (
	dropMalformed = "malformed"
	dropAttempts  = "attempts"
)

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Applied int `json:"applied"`
	Dropped int `json:"dropped"`
}

// Agent applies queued change logs to the materialized tables.
//
// Only one Drain runs at a time per Agent; concurrent callers wait their
// turn. The first apply failure stops the drain with the entry retained.
type Agent struct {
	store       *store.Store
	locks       *LockManager
	norm        phone.Normalizer
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	states      *workstate.Coordinator

	mu sync.Mutex
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMaxAttempts sets the attempt ceiling per entry.
func WithMaxAttempts(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithNormalizer sets the phone normalizer applied to every number.
func WithNormalizer(n phone.Normalizer) Option {
	return func(a *Agent) { a.norm = n }
}

// WithLockManager shares a lock manager with other components that read
// the materialized tables.
func WithLockManager(lm *LockManager) Option {
	return func(a *Agent) { a.locks = lm }
}

// WithMetrics records applied and dropped changes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithCoordinator publishes the Execute work state.
func WithCoordinator(c *workstate.Coordinator) Option {
	return func(a *Agent) { a.states = c }
}

// New creates an Agent over s.
func New(s *store.Store, opts ...Option) *Agent {
	a := &Agent{
		store:       s,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.locks == nil {
		a.locks = NewLockManager()
	}
	return a
}

// Locks returns the agent's lock manager.
func (a *Agent) Locks() *LockManager {
	return a.locks
}

// Drain applies pending execute entries in queue order until the queue is
// empty, ctx is done, or an entry fails to apply.
func (a *Agent) Drain(ctx context.Context) (result DrainResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "execute.drain")
	a.transition(workstate.Execute, nil, false)
	defer func() {
		span.SetAttributes(
			attribute.Int("applied", result.Applied),
			attribute.Int("dropped", result.Dropped),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		a.metrics.ObserveStage("execute", start, err)
		a.transition(workstate.Execute, err, true)
		a.recordDepth(ctx)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		entry, log, err := a.store.ClaimNextExecute(ctx)
		if err != nil {
			return result, fmt.Errorf("execute drain: %w", err)
		}
		if entry == nil {
			break
		}

		applied, err := a.executeOne(ctx, *entry, *log)
		if err != nil {
			return result, err
		}
		if applied {
			result.Applied++
		} else {
			result.Dropped++
		}
	}

	if result.Applied+result.Dropped > 0 {
		a.logger.Debug("execute drain finished",
			"applied", result.Applied,
			"dropped", result.Dropped)
	}
	return result, nil
}

// executeOne applies or drops a claimed entry. It reports true when the
// change was applied and false when it was dropped to the error queue.
func (a *Agent) executeOne(ctx context.Context, entry store.ExecuteEntry, log changelog.ChangeLog) (bool, error) {
	if entry.ErrorCounter > a.maxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts", entry.ErrorCounter-1)
		return false, a.drop(ctx, entry, log, dropAttempts, reason)
	}

	m, err := log.Mutation()
	if errors.Is(err, changelog.ErrMalformed) {
		return false, a.drop(ctx, entry, log, dropMalformed, err.Error())
	}
	if err != nil {
		return false, fmt.Errorf("execute %s: %w", log.ChangeID, err)
	}

	release := a.locks.Acquire(m.Regions()...)
	err = a.store.ApplyExecute(ctx, entry, log, func(tx *store.Tx) error {
		return apply(ctx, tx, a.norm, m)
	})
	release()

	if err != nil {
		a.logger.Warn("execute failed",
			"change_id", log.ChangeID,
			"type", string(log.Type),
			"attempt", entry.ErrorCounter,
			"error", err)
		return false, &ApplyError{
			ChangeID: log.ChangeID,
			Type:     string(log.Type),
			Attempt:  entry.ErrorCounter,
			Err:      err,
		}
	}

	a.metrics.ChangeApplied(string(log.Type))
	a.logger.Debug("change applied",
		"change_id", log.ChangeID,
		"type", string(log.Type),
		"from_server", log.FromServer())
	return true, nil
}

func (a *Agent) drop(ctx context.Context, entry store.ExecuteEntry, log changelog.ChangeLog, kind, reason string) error {
	if _, err := a.store.DropExecute(ctx, entry, log, reason); err != nil {
		return fmt.Errorf("execute %s: %w", log.ChangeID, err)
	}
	a.metrics.ChangeDropped(kind)
	a.logger.Warn("execute entry dropped",
		"change_id", log.ChangeID,
		"type", string(log.Type),
		"reason", reason)
	return nil
}

func (a *Agent) transition(kind workstate.Kind, err error, finished bool) {
	if a.states == nil {
		return
	}
	if !finished {
		a.states.Start(kind)
		return
	}
	a.states.Finish(kind, err)
}

func (a *Agent) recordDepth(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	n, err := a.store.ExecuteQueueLen(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	a.metrics.SetQueueDepth("execute", n)
}

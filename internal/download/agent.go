// Package download pulls server change logs after the local watermark,
// records them and hands them to execution.
//
// The watermark (stored_map.last_server_row_id) is only ever raised by the
// transaction that applies a server change, or after a whole page is known
// to be applied, so a crash mid-page re-requests the unapplied remainder.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/execute"
	"github.com/alx-kng/telefender/internal/metrics"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tracing"
	"github.com/alx-kng/telefender/internal/workstate"
)

// ErrProtocolViolation is returned when a page breaks the download
// contract. Nothing from such a page is recorded.
var ErrProtocolViolation = errors.New("download: protocol violation")

// IsProtocolViolation returns true if err is or wraps ErrProtocolViolation.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

// Defaults.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Drainer applies recorded changes. Implemented by *execute.Agent.
type Drainer interface {
	Drain(ctx context.Context) (execute.DrainResult, error)
}

// Result summarizes one Download call.
type Result struct {
	Pages      int   `json:"pages"`
	Inserted   int   `json:"inserted"`
	Duplicates int   `json:"duplicates"`
	Applied    int   `json:"applied"`
	Watermark  int64 `json:"watermark"`
}

// Agent downloads server changes for one installation.
type Agent struct {
	store       *store.Store
	client      protocol.Client
	executor    Drainer
	states      *workstate.Coordinator
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxAttempts sets how many consecutive failed requests end a download.
func WithMaxAttempts(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between failed requests.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.retryDelay = d
		}
	}
}

// WithCoordinator publishes the Download work state and waits on Setup.
func WithCoordinator(c *workstate.Coordinator) Option {
	return func(a *Agent) { a.states = c }
}

// WithMetrics records pages and changes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates a download Agent. executor applies each recorded page.
func New(s *store.Store, client protocol.Client, executor Drainer, opts ...Option) *Agent {
	a := &Agent{
		store:       s,
		client:      client,
		executor:    executor,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Download requests pages after the watermark until the server returns an
// empty page. Each page is recorded oldest first, applied, and only then is
// the next page requested with the raised watermark.
func (a *Agent) Download(ctx context.Context) (result Result, err error) {
	creds, err := protocol.Credentials(ctx, a.store, a.states)
	if err != nil {
		return Result{}, fmt.Errorf("download: %w", err)
	}

	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "download")
	if a.states != nil {
		a.states.Start(workstate.Download)
	}
	defer func() {
		span.SetAttributes(
			attribute.Int("pages", result.Pages),
			attribute.Int("inserted", result.Inserted),
			attribute.Int64("watermark", result.Watermark),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		a.metrics.ObserveStage("download", start, err)
		if a.states != nil {
			a.states.Finish(workstate.Download, err)
		}
	}()

	for {
		watermark, err := a.store.LastServerRowID(ctx)
		if err != nil {
			return result, fmt.Errorf("download: %w", err)
		}
		result.Watermark = watermark

		page, err := a.fetch(ctx, creds, watermark)
		if err != nil {
			return result, fmt.Errorf("download after %d: %w", watermark, err)
		}
		if len(page) == 0 {
			break
		}

		if err := a.apply(ctx, page, watermark, &result); err != nil {
			return result, fmt.Errorf("download after %d: %w", watermark, err)
		}
		result.Pages++
	}

	a.metrics.SetWatermark(result.Watermark)
	if result.Pages > 0 {
		a.logger.Info("download finished",
			"pages", result.Pages,
			"inserted", result.Inserted,
			"duplicates", result.Duplicates,
			"watermark", result.Watermark)
	}
	return result, nil
}

// fetch requests one page after watermark, retrying transport failures and
// non-ok statuses at a fixed delay. The page is validated before return.
func (a *Agent) fetch(ctx context.Context, creds protocol.KeyedEnvelope, watermark int64) ([]changelog.ChangeLog, error) {
	req := protocol.DownloadRequest{KeyedEnvelope: creds}
	if watermark > 0 {
		req.LastChangeID = &watermark
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryDelay), uint64(a.maxAttempts-1)),
		ctx,
	)

	var resp protocol.ChangeResponse
	attempt := 0
	op := func() error {
		attempt++
		var err error
		resp, err = a.client.DownloadChanges(ctx, req)
		if err != nil {
			return err
		}
		return resp.Err()
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("download request failed",
			"attempt", attempt,
			"retry_in", wait,
			"error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
	}

	return validate(resp.Changes, watermark)
}

// validate converts a page and enforces the download contract: every change
// carries a server change ID above the watermark.
func validate(wire []protocol.WireChange, watermark int64) ([]changelog.ChangeLog, error) {
	page := make([]changelog.ChangeLog, 0, len(wire))
	for i, w := range wire {
		if w.ServerChangeID == nil {
			return nil, fmt.Errorf("%w: change %d (%s) has no serverChangeID", ErrProtocolViolation, i, w.ChangeID)
		}
		if *w.ServerChangeID <= watermark {
			return nil, fmt.Errorf("%w: change %s serverChangeID %d not after watermark %d",
				ErrProtocolViolation, w.ChangeID, *w.ServerChangeID, watermark)
		}
		page = append(page, w.ChangeLog())
	}

	sort.SliceStable(page, func(i, j int) bool {
		return *page[i].ServerChangeID < *page[j].ServerChangeID
	})
	return page, nil
}

// apply records a validated page, drains execution, and raises the
// watermark to the page maximum once no change of the page is pending.
func (a *Agent) apply(ctx context.Context, page []changelog.ChangeLog, watermark int64, result *Result) error {
	inserted, duplicates := 0, 0
	for _, c := range page {
		added, err := a.store.RecordFromServer(ctx, c)
		if err != nil {
			return err
		}
		if added {
			inserted++
		} else {
			duplicates++
		}
	}
	result.Inserted += inserted
	result.Duplicates += duplicates
	a.metrics.DownloadPage(inserted, duplicates)

	drained, err := a.executor.Drain(ctx)
	result.Applied += drained.Applied
	if err != nil {
		return fmt.Errorf("execute page: %w", err)
	}

	pageMax := *page[len(page)-1].ServerChangeID
	pending, err := a.store.PendingServerChanges(ctx, pageMax)
	if err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("%d changes of the page are still pending execution", pending)
	}

	// Duplicates that were already applied never pass through execution;
	// the page as a whole is now durable.
	if err := a.store.AdvanceWatermark(ctx, pageMax); err != nil {
		return err
	}

	a.logger.Debug("download page applied",
		"after", watermark,
		"size", len(page),
		"inserted", inserted,
		"duplicates", duplicates,
		"watermark", pageMax)
	return nil
}

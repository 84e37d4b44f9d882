// Package upload ships the local upload queues to the server.
//
// Each stream (change, analyzed, error) is uploaded in batches of the
// oldest entries. An "ok" response trims the queue through the server's
// lastUploadedRowID; any other response trims strictly below it and counts
// a failed attempt. Entries are only ever deleted up to a server-confirmed
// row id, so entries enqueued while a batch is in flight are never lost.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/alx-kng/telefender/internal/metrics"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tracing"
	"github.com/alx-kng/telefender/internal/workstate"
)

// ErrRetriesExhausted is returned when a stream failed MaxAttempts
// consecutive batches.
var ErrRetriesExhausted = errors.New("upload: retries exhausted")

// Defaults.
const (
	DefaultBatchSize   = 200
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Result summarizes one stream upload.
type Result struct {
	Batches      int   `json:"batches"`
	Acknowledged int64 `json:"acknowledged"`
}

// Agent uploads queue entries for one installation.
type Agent struct {
	store       *store.Store
	client      protocol.Client
	states      *workstate.Coordinator
	metrics     *metrics.Metrics
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
	retryDelay  time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithBatchSize sets how many entries go in one request.
func WithBatchSize(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithMaxAttempts sets how many consecutive failed batches end a stream.
func WithMaxAttempts(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between failed attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.retryDelay = d
		}
	}
}

// WithCoordinator publishes per-stream work states and waits on Setup.
func WithCoordinator(c *workstate.Coordinator) Option {
	return func(a *Agent) { a.states = c }
}

// WithMetrics records batches and acknowledged rows.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an upload Agent.
func New(s *store.Store, client protocol.Client, opts ...Option) *Agent {
	a := &Agent{
		store:       s,
		client:      client,
		logger:      slog.Default(),
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind maps an upload stream to its work-state kind.
func Kind(q store.UploadQueue) workstate.Kind {
	switch q {
	case store.AnalyzedQueue:
		return workstate.UploadAnalyzed
	case store.ErrorQueue:
		return workstate.UploadError
	default:
		return workstate.UploadChange
	}
}

// UploadAll uploads every stream concurrently and returns per-stream
// results. The first stream error is returned after all streams finish.
func (a *Agent) UploadAll(ctx context.Context) (map[store.UploadQueue]Result, error) {
	results := make([]Result, len(store.UploadQueues))

	var g errgroup.Group
	for i, q := range store.UploadQueues {
		g.Go(func() error {
			res, err := a.Upload(ctx, q)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	out := make(map[store.UploadQueue]Result, len(results))
	for i, q := range store.UploadQueues {
		out[q] = results[i]
	}
	return out, err
}

// Upload drains stream q. Each acknowledged batch is immediately followed
// by the next one until the queue is empty. After MaxAttempts consecutive
// failed batches the stream is marked FAILED and ErrRetriesExhausted is
// returned.
func (a *Agent) Upload(ctx context.Context, q store.UploadQueue) (result Result, err error) {
	creds, err := protocol.Credentials(ctx, a.store, a.states)
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", q, err)
	}

	kind := Kind(q)
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "upload."+q.String())
	if a.states != nil {
		a.states.Start(kind)
	}
	defer func() {
		span.SetAttributes(
			attribute.Int("batches", result.Batches),
			attribute.Int64("acknowledged", result.Acknowledged),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		a.metrics.ObserveStage("upload_"+q.String(), start, err)
		if a.states != nil {
			a.states.Finish(kind, err)
		}
		a.recordDepth(ctx, q)
	}()

	for {
		done, acked, err := a.uploadWithRetry(ctx, q, creds)
		if acked > 0 {
			result.Batches++
			result.Acknowledged += acked
		}
		if err != nil {
			return result, fmt.Errorf("upload %s: %w", q, err)
		}
		if done {
			break
		}
	}

	if result.Acknowledged > 0 {
		a.logger.Info("upload finished",
			"stream", q.String(),
			"batches", result.Batches,
			"acknowledged", result.Acknowledged)
	}
	return result, nil
}

// uploadWithRetry sends the next batch, retrying failed attempts at a fixed
// delay. It reports done when the queue was empty.
func (a *Agent) uploadWithRetry(ctx context.Context, q store.UploadQueue, creds protocol.KeyedEnvelope) (done bool, acked int64, err error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryDelay), uint64(a.maxAttempts-1)),
		ctx,
	)

	attempt := 0
	op := func() error {
		attempt++
		empty, n, err := a.sendBatch(ctx, q, creds)
		done = empty
		acked += n
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("upload batch failed",
			"stream", q.String(),
			"attempt", attempt,
			"retry_in", wait,
			"error", err)
	}

	err = backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return done, acked, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, acked, ctxErr
	}

	if errors.Is(err, errLocal) {
		return false, acked, err
	}

	a.logger.Error("upload stream failed",
		"stream", q.String(),
		"attempts", attempt,
		"error", err)
	return false, acked, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
}

// errLocal marks failures of the local store, which retrying the server
// cannot fix.
var errLocal = errors.New("local store failure")

// sendBatch uploads one batch and trims the queue according to the
// response. It reports empty when there was nothing to send.
func (a *Agent) sendBatch(ctx context.Context, q store.UploadQueue, creds protocol.KeyedEnvelope) (empty bool, acked int64, err error) {
	b, err := a.nextBatch(ctx, q, creds)
	if err != nil {
		return false, 0, backoff.Permanent(fmt.Errorf("%w: %w", errLocal, err))
	}
	if len(b.rowIDs) == 0 {
		return true, 0, nil
	}

	resp, err := b.send(ctx)
	if err != nil {
		a.metrics.UploadBatch(q.String(), "transport_error", 0)
		return false, 0, err
	}

	// Rows enqueued while the batch was in flight were never sent, so an
	// acknowledgement past the batch cannot cover them.
	watermark := resp.LastUploadedRowID
	if last := b.rowIDs[len(b.rowIDs)-1]; watermark > last {
		a.logger.Warn("server acknowledged rows beyond the batch",
			"stream", q.String(),
			"last_row_id", watermark,
			"batch_end", last)
		watermark = last
	}

	if resp.OK() {
		n, err := a.store.TrimUploadQueue(ctx, q, watermark, true)
		if err != nil {
			return false, 0, backoff.Permanent(fmt.Errorf("%w: %w", errLocal, err))
		}
		a.metrics.UploadBatch(q.String(), "ok", n)
		if n == 0 {
			// An ok that acknowledges nothing would loop forever.
			return false, 0, fmt.Errorf("server acknowledged row %d below batch start %d",
				watermark, b.rowIDs[0])
		}
		a.logger.Debug("upload batch acknowledged",
			"stream", q.String(),
			"sent", len(b.rowIDs),
			"acknowledged", n,
			"last_row_id", watermark)
		return false, n, nil
	}

	// Partial failure: everything strictly below the boundary is durable.
	n, err := a.store.TrimUploadQueue(ctx, q, watermark, false)
	if err != nil {
		return false, 0, backoff.Permanent(fmt.Errorf("%w: %w", errLocal, err))
	}
	if boundary, ok := firstAtOrAbove(b.rowIDs, watermark); ok {
		if err := a.store.BumpUploadError(ctx, q, boundary); err != nil {
			return false, n, backoff.Permanent(fmt.Errorf("%w: %w", errLocal, err))
		}
	}
	a.metrics.UploadBatch(q.String(), "rejected", n)
	return false, n, resp.Err()
}

// firstAtOrAbove returns the first id >= bound in ascending ids.
func firstAtOrAbove(ids []int64, bound int64) (int64, bool) {
	for _, id := range ids {
		if id >= bound {
			return id, true
		}
	}
	return 0, false
}

// batch is one request ready to send, with the queue row ids it covers.
type batch struct {
	rowIDs []int64
	send   func(ctx context.Context) (protocol.UploadResponse, error)
}

func (a *Agent) nextBatch(ctx context.Context, q store.UploadQueue, creds protocol.KeyedEnvelope) (batch, error) {
	switch q {
	case store.ChangeQueue:
		logs, err := a.store.NextChanges(ctx, a.batchSize)
		if err != nil {
			return batch{}, err
		}
		ids := make([]int64, 0, len(logs))
		for _, c := range logs {
			ids = append(ids, c.RowID)
		}
		req := protocol.UploadChangeRequest{KeyedEnvelope: creds, Changes: protocol.FromChangeLogs(logs)}
		return batch{rowIDs: ids, send: func(ctx context.Context) (protocol.UploadResponse, error) {
			return a.client.UploadChanges(ctx, req)
		}}, nil

	case store.AnalyzedQueue:
		rows, err := a.store.NextAnalyzed(ctx, a.batchSize)
		if err != nil {
			return batch{}, err
		}
		ids := make([]int64, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.RowID)
		}
		req := protocol.UploadAnalyzedRequest{KeyedEnvelope: creds, AnalyzedNumbers: protocol.FromAnalyzed(rows)}
		return batch{rowIDs: ids, send: func(ctx context.Context) (protocol.UploadResponse, error) {
			return a.client.UploadAnalyzed(ctx, req)
		}}, nil

	case store.ErrorQueue:
		rows, err := a.store.NextErrors(ctx, a.batchSize)
		if err != nil {
			return batch{}, err
		}
		ids := make([]int64, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.RowID)
		}
		req := protocol.UploadErrorRequest{KeyedEnvelope: creds, ErrorLogs: protocol.FromErrorLogs(rows)}
		return batch{rowIDs: ids, send: func(ctx context.Context) (protocol.UploadResponse, error) {
			return a.client.UploadErrors(ctx, req)
		}}, nil

	default:
		return batch{}, fmt.Errorf("unknown upload stream %v", q)
	}
}

func (a *Agent) recordDepth(ctx context.Context, q store.UploadQueue) {
	if a.metrics == nil {
		return
	}
	n, err := a.store.UploadQueueLen(context.WithoutCancel(ctx), q)
	if err != nil {
		return
	}
	a.metrics.SetQueueDepth("upload_"+q.String(), n)
}

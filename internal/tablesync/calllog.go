package tablesync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alx-kng/telefender/internal/native"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/workstate"
)

// SyncCallLog copies native calls dated after the last call-log sync minus
// the look-back window into call_detail. Voicemail entries can carry a
// timestamp slightly before the sync that should have seen them; the
// window re-reads them and duplicates are ignored by the store.
//
// Failures are retried at a fixed delay up to the configured attempts.
// Returns the number of newly recorded calls.
func (s *Synchronizer) SyncCallLog(ctx context.Context) (inserted int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.stage(ctx, "tablesync.calllog", workstate.CallLogSync, func(ctx context.Context) (int, error) {
		instance, err := s.instance(ctx)
		if err != nil {
			return 0, err
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), uint64(s.maxAttempts-1)),
			ctx,
		)
		attempt := 0
		op := func() error {
			attempt++
			n, err := s.copyCalls(ctx, instance)
			inserted = n
			return err
		}
		notify := func(err error, wait time.Duration) {
			s.logger.Warn("call log sync failed",
				"attempt", attempt,
				"retry_in", wait,
				"error", err)
		}
		return inserted, backoff.RetryNotify(op, policy, notify)
	})

	if inserted > 0 {
		s.metrics.CallsRecorded(inserted)
		s.logger.Info("call log sync finished", "inserted", inserted)
	}
	return inserted, err
}

func (s *Synchronizer) copyCalls(ctx context.Context, instance string) (int, error) {
	m, err := s.store.StoredMap(ctx)
	if err != nil {
		return 0, err
	}
	since := max(m.LastLogSyncTime-s.lookback.Milliseconds(), 0)

	// Taken before the query so calls logged during it fall in the next window.
	syncTime := s.store.Now()

	calls, err := s.calls.CallsSince(ctx, since)
	if err != nil {
		return 0, err
	}

	details := make([]store.CallDetail, 0, len(calls))
	for _, c := range calls {
		details = append(details, s.detail(instance, c))
	}
	return s.store.RecordCalls(ctx, details, syncTime)
}

func (s *Synchronizer) detail(instance string, c native.Call) store.CallDetail {
	return store.CallDetail{
		RawNumber:      c.Number,
		Number:         s.norm.Normalize(c.Number),
		EpochDate:      c.Date,
		Type:           store.CallType(c.Type),
		Duration:       c.Duration,
		InstanceNumber: instance,
	}
}

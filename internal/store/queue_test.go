package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimNextExecute_EmptyQueue(t *testing.T) {
	s := createTestStore(t)

	entry, log, err := s.ClaimNextExecute(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Nil(t, log)
}

func TestClaimNextExecute_FIFOAndOptimisticCounter(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	logs := recordClientN(t, s, 3)

	entry, log, err := s.ClaimNextExecute(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, logs[0].ChangeID, log.ChangeID)
	assert.Equal(t, 1, entry.ErrorCounter)

	// Not applied: the same entry is claimed again with a higher counter.
	entry, log, err = s.ClaimNextExecute(ctx)
	require.NoError(t, err)
	assert.Equal(t, logs[0].ChangeID, log.ChangeID)
	assert.Equal(t, 2, entry.ErrorCounter)
}

func TestApplyExecute_FailureRetainsEntry(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	recordClientN(t, s, 1)

	entry, log, err := s.ClaimNextExecute(ctx)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.ApplyExecute(ctx, *entry, *log, func(tx *Tx) error {
		if _, err := tx.InsertContact(ctx, "c0", "i"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.ExecuteQueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, err := s.ContactExists(ctx, "c0")
	require.NoError(t, err)
	assert.False(t, exists, "failed application must roll back its effect")
}

func TestDropExecute_RecordsError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.RecordFromServer(ctx, serverChange("srv-1", 3))
	require.NoError(t, err)

	entry, log, err := s.ClaimNextExecute(ctx)
	require.NoError(t, err)

	_, err = s.DropExecute(ctx, *entry, *log, "malformed")
	require.NoError(t, err)

	depths, err := s.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueDepths{UploadError: 1}, depths)

	wm, err := s.LastServerRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), wm, "a dropped server change is consumed")

	// The change log itself is retained.
	_, err = s.ChangeLog(ctx, "srv-1")
	assert.NoError(t, err)
}

func TestTrimUploadQueue_InclusiveAndExclusive(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	logs := recordClientN(t, s, 5)

	// Exclusive: boundary row survives.
	n, err := s.TrimUploadQueue(ctx, ChangeQueue, logs[2].RowID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := s.UploadQueueRowIDs(ctx, ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, []int64{logs[2].RowID, logs[3].RowID, logs[4].RowID}, ids)

	// Inclusive: boundary row goes.
	n, err = s.TrimUploadQueue(ctx, ChangeQueue, logs[3].RowID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err = s.UploadQueueRowIDs(ctx, ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, []int64{logs[4].RowID}, ids)

	// Change logs are never deleted by trimming.
	all, err := s.ChangeLogs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestTrimUploadQueue_KeepsRowsEnqueuedDuringUpload(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	logs := recordClientN(t, s, 2)

	batch, err := s.NextChanges(ctx, 200)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	// A new change lands while the batch is in flight.
	late := recordClientN(t, s, 1)

	_, err = s.TrimUploadQueue(ctx, ChangeQueue, logs[1].RowID, true)
	require.NoError(t, err)

	ids, err := s.UploadQueueRowIDs(ctx, ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, []int64{late[0].RowID}, ids)
}

func TestNextChanges_LimitAndOrder(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	logs := recordClientN(t, s, 4)

	batch, err := s.NextChanges(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i := range batch {
		assert.Equal(t, logs[i].RowID, batch[i].RowID)
	}
}

func TestBumpUploadError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	logs := recordClientN(t, s, 1)

	require.NoError(t, s.BumpUploadError(ctx, ChangeQueue, logs[0].RowID))
	require.NoError(t, s.BumpUploadError(ctx, ChangeQueue, logs[0].RowID))

	n, err := s.UploadErrorCounter(ctx, ChangeQueue, logs[0].RowID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.UploadErrorCounter(ctx, ChangeQueue, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCalls_IgnoresDuplicatesAndEnqueuesAnalyzed(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	calls := []CallDetail{
		{RawNumber: "555-123-4567", Number: "+15551234567", EpochDate: 100, Type: CallIncoming, InstanceNumber: "i"},
		{RawNumber: "555-123-4567", Number: "+15551234567", EpochDate: 200, Type: CallMissed, InstanceNumber: "i"},
	}

	n, err := s.RecordCalls(ctx, calls, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-reading the same window inserts nothing.
	n, err = s.RecordCalls(ctx, calls, 2000)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	a, err := s.AnalyzedNumber(ctx, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumIncoming)
	assert.Equal(t, 1, a.NumMissed)
	assert.Equal(t, int64(200), a.LastCallTime)

	pending, err := s.NextAnalyzed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.RowID, pending[0].RowID)

	m, err := s.StoredMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), m.LastLogSyncTime)
}

func TestReferenceViolations(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	recordClientN(t, s, 1)

	entry, log, err := s.ClaimNextExecute(ctx)
	require.NoError(t, err)

	// Insert a number without its reference: one violation.
	require.NoError(t, s.ApplyExecute(ctx, *entry, *log, func(tx *Tx) error {
		_, err := tx.InsertContactNumber(ctx, ContactNumber{CID: "c0", Number: "+1", RawNumber: "+1", InstanceNumber: "i"})
		return err
	}))

	v, err := s.ReferenceViolations(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][2]int{"+1": {1, 0}}, v)
}

func TestParseUploadQueue(t *testing.T) {
	for _, q := range UploadQueues {
		got, err := ParseUploadQueue(q.String())
		require.NoError(t, err)
		assert.Equal(t, q, got)
	}
	_, err := ParseUploadQueue("bogus")
	assert.Error(t, err)
}

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alx-kng/telefender/internal/changelog"
)

func TestRecordFromClient_EnqueuesExecuteAndUpload(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, WithIDGenerator(changelog.NewFixedGenerator("change-1")))

	c, err := s.RecordFromClient(ctx, addNumber("c1", "+15551234567"))
	require.NoError(t, err)

	assert.Equal(t, "change-1", c.ChangeID)
	assert.Equal(t, int64(1_700_000_000_000), c.ChangeTime)
	assert.Positive(t, c.RowID)
	assert.Nil(t, c.ServerChangeID)

	stored, err := s.ChangeLog(ctx, "change-1")
	require.NoError(t, err)
	assert.Equal(t, c.RowID, stored.RowID)
	assert.Equal(t, changelog.ContactNumberInsert, stored.Type)
	require.NotNil(t, stored.CID)
	assert.Equal(t, "c1", *stored.CID)
	require.NotNil(t, stored.CounterValue)
	assert.Equal(t, int64(0), *stored.CounterValue)
	assert.Nil(t, stored.OldNumber)

	depths, err := s.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueDepths{Execute: 1, UploadChange: 1}, depths)

	ids, err := s.UploadQueueRowIDs(ctx, ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.RowID}, ids)
}

func TestRecordFromClient_RejectsMalformed(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.RecordFromClient(ctx, changelog.Input{Type: changelog.ContactInsert, InstanceNumber: "i"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, changelog.ErrMalformed))

	logs, err := s.ChangeLogs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs, "malformed input must not be written")
}

func TestRecordFromServer_ExecuteOnly(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	inserted, err := s.RecordFromServer(ctx, serverChange("srv-1", 7))
	require.NoError(t, err)
	assert.True(t, inserted)

	depths, err := s.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueDepths{Execute: 1}, depths, "server changes are never uploaded")

	stored, err := s.ChangeLog(ctx, "srv-1")
	require.NoError(t, err)
	require.NotNil(t, stored.ServerChangeID)
	assert.Equal(t, int64(7), *stored.ServerChangeID)
}

func TestRecordFromServer_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.RecordFromServer(ctx, serverChange("srv-1", 7))
	require.NoError(t, err)

	inserted, err := s.RecordFromServer(ctx, serverChange("srv-1", 7))
	require.NoError(t, err)
	assert.False(t, inserted)

	logs, err := s.ChangeLogs(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	n, err := s.ExecuteQueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordFromServer_RequiresServerID(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	c := serverChange("srv-1", 1)
	c.ServerChangeID = nil

	_, err := s.RecordFromServer(ctx, c)
	assert.True(t, errors.Is(err, ErrNoServerChangeID))
}

func TestRecordFromServer_EchoAttachesServerID(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, WithIDGenerator(changelog.NewFixedGenerator("local-1")))

	local, err := s.RecordFromClient(ctx, addNumber("c1", "+15551234567"))
	require.NoError(t, err)

	// Still pending execution: server id attached, watermark untouched.
	echo := local
	echo.ServerChangeID = changelog.Int64(42)
	inserted, err := s.RecordFromServer(ctx, echo)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := s.ChangeLog(ctx, "local-1")
	require.NoError(t, err)
	require.NotNil(t, stored.ServerChangeID)
	assert.Equal(t, int64(42), *stored.ServerChangeID)

	wm, err := s.LastServerRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm)

	// Applying the entry advances the watermark to the attached id.
	entry, log, err := s.ClaimNextExecute(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ApplyExecute(ctx, *entry, *log, func(*Tx) error { return nil }))

	wm, err = s.LastServerRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), wm)
}

func TestRecordFromServer_EchoOfAppliedChangeAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, WithIDGenerator(changelog.NewFixedGenerator("local-1")))

	local, err := s.RecordFromClient(ctx, addNumber("c1", "+15551234567"))
	require.NoError(t, err)

	entry, log, err := s.ClaimNextExecute(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ApplyExecute(ctx, *entry, *log, func(*Tx) error { return nil }))

	echo := local
	echo.ServerChangeID = changelog.Int64(9)
	_, err = s.RecordFromServer(ctx, echo)
	require.NoError(t, err)

	wm, err := s.LastServerRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), wm)
}

func TestRecordError_EnqueuesUpload(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	rowID, err := s.RecordError(ctx, "", "+15550000001", "boom")
	require.NoError(t, err)

	errs, err := s.NextErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, rowID, errs[0].RowID)
	assert.Equal(t, "", errs[0].ChangeID)
	assert.Equal(t, "boom", errs[0].Message)
}

func TestStoredMap_Checkpoint(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	m, err := s.StoredMap(ctx)
	require.NoError(t, err)
	assert.False(t, m.HasKey())

	require.NoError(t, s.SetSession(ctx, "+15550000001", "sess"))
	require.NoError(t, s.SetClientKey(ctx, "secret"))
	require.NoError(t, s.SetLastContactSyncTime(ctx, 99))

	m, err = s.StoredMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "+15550000001", m.UserNumber)
	assert.Equal(t, "sess", m.SessionID)
	assert.Equal(t, "secret", m.ClientKey)
	assert.Equal(t, int64(99), m.LastContactSyncTime)
	assert.True(t, m.HasKey())

	// A new session invalidates the key.
	require.NoError(t, s.SetSession(ctx, "+15550000001", "sess-2"))
	m, err = s.StoredMap(ctx)
	require.NoError(t, err)
	assert.False(t, m.HasKey())
}

func TestAdvanceWatermark_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.AdvanceWatermark(ctx, 10))
	require.NoError(t, s.AdvanceWatermark(ctx, 5))

	wm, err := s.LastServerRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wm)
}

func TestCompleteSetup_KeyAndInstanceChangeTogether(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.SetSession(ctx, "+15550000001", "sess"))

	c, err := s.CompleteSetup(ctx, "secret", changelog.Input{
		Type:           changelog.InstanceInsert,
		InstanceNumber: "+15550000001",
	})
	require.NoError(t, err)
	assert.Positive(t, c.RowID)

	m, err := s.StoredMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", m.ClientKey)

	depths, err := s.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueDepths{Execute: 1, UploadChange: 1}, depths)
}

func TestCompleteSetup_FailureStoresNoKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.SetSession(ctx, "+15550000001", "sess"))

	// Malformed: rejected before the transaction.
	_, err := s.CompleteSetup(ctx, "secret", changelog.Input{Type: changelog.ContactInsert, InstanceNumber: "+15550000001"})
	assert.ErrorIs(t, err, changelog.ErrMalformed)

	// Enqueue fails inside the transaction: the key update rolls back.
	_, err = s.DB().Exec(`DROP TABLE upload_change_queue`)
	require.NoError(t, err)
	_, err = s.CompleteSetup(ctx, "secret", changelog.Input{
		Type:           changelog.InstanceInsert,
		InstanceNumber: "+15550000001",
	})
	require.Error(t, err)

	m, err := s.StoredMap(ctx)
	require.NoError(t, err)
	assert.False(t, m.HasKey())
	logs, err := s.ChangeLogs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

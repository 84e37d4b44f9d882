package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/testutil"
	"github.com/alx-kng/telefender/internal/workstate"
)

const instance = "+15550000001"

func setup(t *testing.T) (*store.Store, *testutil.FakeServer) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		store.WithClock(testutil.NewSteppingClock(time.Millisecond)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fs := testutil.NewFakeServer(t)
	fs.RegisterStore(t, s, instance)
	return s, fs
}

func recordN(t *testing.T, s *store.Store, n int) []changelog.ChangeLog {
	t.Helper()
	out := make([]changelog.ChangeLog, 0, n)
	for i := 0; i < n; i++ {
		c, err := s.RecordFromClient(context.Background(), changelog.Input{
			Type:           changelog.ContactInsert,
			InstanceNumber: instance,
			Payload:        changelog.Payload{CID: changelog.Str(fmt.Sprintf("c%03d", i))},
		})
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func queueLen(t *testing.T, s *store.Store, q store.UploadQueue) int {
	t.Helper()
	n, err := s.UploadQueueLen(context.Background(), q)
	require.NoError(t, err)
	return n
}

func TestUpload_SelfChainsUntilEmpty(t *testing.T) {
	ctx := context.Background()
	s, fs := setup(t)
	recordN(t, s, 5)

	a := New(s, fs.Client(), WithBatchSize(2), WithRetryDelay(0))
	res, err := a.Upload(ctx, store.ChangeQueue)
	require.NoError(t, err)

	assert.Equal(t, Result{Batches: 3, Acknowledged: 5}, res)
	assert.Equal(t, 0, queueLen(t, s, store.ChangeQueue))
	assert.Len(t, fs.Log(), 5)
	assert.Equal(t, 3, fs.Requests(protocol.PathUploadChange))

	logs, err := s.ChangeLogs(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 5, "upload never deletes change logs")
}

func TestUpload_EmptyQueueSendsNothing(t *testing.T) {
	s, fs := setup(t)

	res, err := New(s, fs.Client()).Upload(context.Background(), store.ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, fs.Requests(protocol.PathUploadChange))
}

func TestUpload_PartialFailureTrimsExclusive(t *testing.T) {
	ctx := context.Background()
	s, fs := setup(t)
	logs := recordN(t, s, 4)

	boundary := logs[2].RowID
	fs.AcceptBelow(boundary)

	a := New(s, fs.Client(), WithRetryDelay(0), WithMaxAttempts(1))
	_, err := a.Upload(ctx, store.ChangeQueue)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	ids, err := s.UploadQueueRowIDs(ctx, store.ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, []int64{logs[2].RowID, logs[3].RowID}, ids, "boundary row stays queued")

	counter, err := s.UploadErrorCounter(ctx, store.ChangeQueue, boundary)
	require.NoError(t, err)
	assert.Equal(t, 1, counter)

	// Once the server accepts everything, the rest goes through.
	fs.AcceptBelow(0)
	res, err := a.Upload(ctx, store.ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Acknowledged)
	assert.Len(t, fs.Log(), 4)
}

func TestUpload_RetriesThenSucceeds(t *testing.T) {
	s, fs := setup(t)
	recordN(t, s, 3)
	fs.FailStatus(protocol.PathUploadChange, 2)

	res, err := New(s, fs.Client(), WithRetryDelay(time.Millisecond)).Upload(context.Background(), store.ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Acknowledged)
	assert.Equal(t, 3, fs.Requests(protocol.PathUploadChange))
}

func TestUpload_ExhaustedMarksFailed(t *testing.T) {
	s, fs := setup(t)
	recordN(t, s, 1)
	fs.FailHTTP(protocol.PathUploadChange, 10)

	states := workstate.New()
	defer states.Close()
	states.Succeed(workstate.Setup)

	_, err := New(s, fs.Client(), WithRetryDelay(0), WithCoordinator(states)).
		Upload(context.Background(), store.ChangeQueue)
	require.ErrorIs(t, err, ErrRetriesExhausted)

	assert.Equal(t, DefaultMaxAttempts, fs.Requests(protocol.PathUploadChange))
	assert.Equal(t, workstate.Failed, states.State(workstate.UploadChange))
	assert.Equal(t, 1, queueLen(t, s, store.ChangeQueue), "transport failures trim nothing")
}

func TestUpload_RowsEnqueuedDuringUploadSurvive(t *testing.T) {
	ctx := context.Background()
	s, fs := setup(t)
	recordN(t, s, 2)

	// The batch is read before the late change is recorded.
	a := New(s, fs.Client(), WithRetryDelay(0))
	b, err := a.nextBatch(ctx, store.ChangeQueue, protocol.KeyedEnvelope{
		Envelope: protocol.Envelope{InstanceNumber: instance},
		Key:      "key-" + instance,
	})
	require.NoError(t, err)
	late := recordN(t, s, 1)[0]

	resp, err := b.send(ctx)
	require.NoError(t, err)
	require.True(t, resp.OK())
	_, err = s.TrimUploadQueue(ctx, store.ChangeQueue, resp.LastUploadedRowID, true)
	require.NoError(t, err)

	ids, err := s.UploadQueueRowIDs(ctx, store.ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, []int64{late.RowID}, ids)
}

// overAcking records a change while the first upload is in flight and then
// acknowledges a row id past everything it was sent.
type overAcking struct {
	protocol.Client
	record func()
	calls  int
}

func (o *overAcking) UploadChanges(ctx context.Context, req protocol.UploadChangeRequest) (protocol.UploadResponse, error) {
	o.calls++
	if o.calls > 1 {
		return o.Client.UploadChanges(ctx, req)
	}
	o.record()
	resp, err := o.Client.UploadChanges(ctx, req)
	resp.LastUploadedRowID += 100
	return resp, err
}

func TestUpload_AcknowledgementCappedAtBatch(t *testing.T) {
	ctx := context.Background()
	s, fs := setup(t)
	recordN(t, s, 2)

	var late changelog.ChangeLog
	client := &overAcking{Client: fs.Client(), record: func() { late = recordN(t, s, 1)[0] }}

	res, err := New(s, client, WithRetryDelay(0)).Upload(ctx, store.ChangeQueue)
	require.NoError(t, err)
	assert.Equal(t, Result{Batches: 2, Acknowledged: 3}, res)
	assert.Equal(t, 0, queueLen(t, s, store.ChangeQueue))

	log := fs.Log()
	require.Len(t, log, 3, "the late change is uploaded, not trimmed")
	assert.Equal(t, late.ChangeID, log[2].ChangeID)
}

func TestUpload_AnalyzedAndErrorStreams(t *testing.T) {
	ctx := context.Background()
	s, fs := setup(t)

	_, err := s.RecordCalls(ctx, []store.CallDetail{
		{RawNumber: "5551230000", Number: "+15551230000", EpochDate: 10, Type: store.CallIncoming, InstanceNumber: instance},
	}, 10)
	require.NoError(t, err)
	_, err = s.RecordError(ctx, "", instance, "boom")
	require.NoError(t, err)

	results, err := New(s, fs.Client(), WithRetryDelay(0)).UploadAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), results[store.AnalyzedQueue].Acknowledged)
	assert.Equal(t, int64(1), results[store.ErrorQueue].Acknowledged)
	assert.Equal(t, Result{}, results[store.ChangeQueue])

	require.Len(t, fs.Analyzed(), 1)
	assert.Equal(t, "+15551230000", fs.Analyzed()[0].Number)
	assert.Equal(t, 1, fs.Analyzed()[0].NumIncoming)
	require.Len(t, fs.ErrorLogs(), 1)
	assert.Equal(t, "boom", fs.ErrorLogs()[0].Message)
}

func TestUpload_NotRegistered(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	fs := testutil.NewFakeServer(t)
	_, err = New(s, fs.Client()).Upload(context.Background(), store.ChangeQueue)
	assert.ErrorIs(t, err, protocol.ErrNotRegistered)
}

func TestUpload_WaitsForSetup(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	fs := testutil.NewFakeServer(t)

	states := workstate.New(workstate.WithPollInterval(time.Millisecond))
	defer states.Close()
	states.Start(workstate.Setup)

	done := make(chan error, 1)
	go func() {
		_, err := New(s, fs.Client(), WithCoordinator(states)).Upload(context.Background(), store.ChangeQueue)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("upload ran before setup finished")
	case <-time.After(20 * time.Millisecond):
	}

	fs.RegisterStore(t, s, instance)
	states.Succeed(workstate.Setup)
	assert.NoError(t, <-done)
}

func TestKind(t *testing.T) {
	assert.Equal(t, workstate.UploadChange, Kind(store.ChangeQueue))
	assert.Equal(t, workstate.UploadAnalyzed, Kind(store.AnalyzedQueue))
	assert.Equal(t, workstate.UploadError, Kind(store.ErrorQueue))
}

package execute

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/metrics"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/workstate"
)

const owner = "+15550000001"

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *store.Store, in changelog.Input) changelog.ChangeLog {
	t.Helper()
	if in.InstanceNumber == "" {
		in.InstanceNumber = owner
	}
	c, err := s.RecordFromClient(context.Background(), in)
	require.NoError(t, err)
	return c
}

func contactInsert(cid string) changelog.Input {
	return changelog.Input{Type: changelog.ContactInsert, Payload: changelog.Payload{CID: changelog.Str(cid)}}
}

func numberInsert(cid, number string) changelog.Input {
	return changelog.Input{
		Type: changelog.ContactNumberInsert,
		Payload: changelog.Payload{
			CID:          changelog.Str(cid),
			Number:       changelog.Str(number),
			CounterValue: changelog.Int64(1),
		},
	}
}

func numberDelete(cid, number string) changelog.Input {
	return changelog.Input{
		Type:    changelog.ContactNumberDelete,
		Payload: changelog.Payload{CID: changelog.Str(cid), Number: changelog.Str(number)},
	}
}

func numberUpdate(cid, oldNumber, number string, version int64) changelog.Input {
	return changelog.Input{
		Type: changelog.ContactNumberUpdate,
		Payload: changelog.Payload{
			CID:          changelog.Str(cid),
			OldNumber:    changelog.Str(oldNumber),
			Number:       changelog.Str(number),
			CounterValue: changelog.Int64(version),
		},
	}
}

func assertConsistent(t *testing.T, s *store.Store) {
	t.Helper()
	violations, err := s.ReferenceViolations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, violations, "trusted counts must match references")
}

func TestDrain_EmptyQueue(t *testing.T) {
	a := New(createTestStore(t))
	res, err := a.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
}

func TestDrain_InsertThenDeleteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, contactInsert("c1"))
	record(t, s, numberInsert("c1", "+15551234567"))
	record(t, s, numberDelete("c1", "+15551234567"))

	res, err := New(s).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	numbers, err := s.ContactNumbers(ctx)
	require.NoError(t, err)
	assert.Empty(t, numbers)

	trusted, err := s.TrustedNumbers(ctx)
	require.NoError(t, err)
	assert.Empty(t, trusted)

	depths, err := s.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depths.Execute)
	assert.Equal(t, 3, depths.UploadChange, "execution never touches the upload queue")
}

func TestDrain_NormalizesNumbers(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, numberInsert("c1", "(555) 123-4567"))
	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	numbers, err := s.ContactNumbers(ctx)
	require.NoError(t, err)
	require.Len(t, numbers, 1)
	assert.Equal(t, "+15551234567", numbers[0].Number)
	assert.Equal(t, "(555) 123-4567", numbers[0].RawNumber)

	exists, err := s.ContactExists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists, "number insert creates a missing parent contact")
}

func TestDrain_SharedNumberReferenceCounting(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, changelog.Input{Type: changelog.InstanceInsert, InstanceNumber: "+15559990000"})
	record(t, s, numberInsert("c1", "+15559990000"))
	record(t, s, numberInsert("c2", "+15559990000"))
	record(t, s, numberInsert("c2", "+15559990000")) // duplicate add is idempotent

	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	count, err := s.TrustedCount(ctx, "+15559990000")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assertConsistent(t, s)

	record(t, s, changelog.Input{Type: changelog.ContactDelete, Payload: changelog.Payload{CID: changelog.Str("c1")}})
	_, err = New(s).Drain(ctx)
	require.NoError(t, err)

	count, err = s.TrustedCount(ctx, "+15559990000")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assertConsistent(t, s)
}

func TestDrain_UpdateNumberMovesReference(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, numberInsert("c1", "+15551110000"))
	record(t, s, numberUpdate("c1", "+15551110000", "+15552220000", 7))

	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	numbers, err := s.ContactNumbers(ctx)
	require.NoError(t, err)
	require.Len(t, numbers, 1)
	assert.Equal(t, "+15552220000", numbers[0].Number)
	assert.Equal(t, int64(7), numbers[0].Version)

	trusted, err := s.TrustedNumbers(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"+15552220000": 1}, trusted)
	assertConsistent(t, s)
}

func TestDrain_UpdateNumberSameKeyBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, numberInsert("c1", "+15551110000"))
	record(t, s, numberUpdate("c1", "+15551110000", "+1 555 111 0000", 9))

	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	numbers, err := s.ContactNumbers(ctx)
	require.NoError(t, err)
	require.Len(t, numbers, 1)
	assert.Equal(t, int64(9), numbers[0].Version)
	assert.Equal(t, "+1 555 111 0000", numbers[0].RawNumber)

	count, err := s.TrustedCount(ctx, "+15551110000")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDrain_RemoveInstanceCascades(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, changelog.Input{Type: changelog.InstanceInsert, InstanceNumber: owner})
	record(t, s, contactInsert("c1"))
	record(t, s, numberInsert("c1", "+15551230001"))
	record(t, s, numberInsert("c1", "+15551230002"))
	record(t, s, changelog.Input{
		Type:           changelog.ContactNumberInsert,
		InstanceNumber: "+15550000002",
		Payload: changelog.Payload{
			CID:          changelog.Str("other"),
			Number:       changelog.Str("+15551230001"),
			CounterValue: changelog.Int64(1),
		},
	})
	record(t, s, changelog.Input{Type: changelog.InstanceDelete, InstanceNumber: owner})

	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	instances, err := s.Instances(ctx)
	require.NoError(t, err)
	assert.Empty(t, instances)

	contacts, err := s.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "other", contacts[0].CID)

	trusted, err := s.TrustedNumbers(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"+15551230001": 1}, trusted)
	assertConsistent(t, s)
}

func TestDrain_UpdateContactAndMarkNumber(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, contactInsert("c1"))
	record(t, s, changelog.Input{
		Type:    changelog.ContactUpdate,
		Payload: changelog.Payload{CID: changelog.Str("c1"), Blocked: changelog.Bool(true)},
	})
	record(t, s, changelog.Input{
		Type:    changelog.NonContactUpdate,
		Payload: changelog.Payload{Number: changelog.Str("5558675309"), Trustability: changelog.Int(2)},
	})

	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	contacts, err := s.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.True(t, contacts[0].Blocked)

	analyzed, err := s.AnalyzedNumber(ctx, "+15558675309")
	require.NoError(t, err)
	require.NotNil(t, analyzed.MarkedTrustability)
	assert.Equal(t, 2, *analyzed.MarkedTrustability)
}

func TestDrain_MalformedServerChangeIsDropped(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.RecordFromServer(ctx, changelog.ChangeLog{
		ChangeID:       "bad",
		Type:           changelog.ContactNumberInsert,
		InstanceNumber: owner,
		ServerChangeID: changelog.Int64(41),
	})
	require.NoError(t, err)
	record(t, s, contactInsert("c1"))

	m := metrics.New()
	res, err := New(s, WithMetrics(m)).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Applied: 1, Dropped: 1}, res)

	logs, err := s.ErrorLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "bad", logs[0].ChangeID)
	assert.Contains(t, logs[0].Message, "missing")

	watermark, err := s.LastServerRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(41), watermark, "dropped server changes still advance the watermark")
}

func TestDrain_ServerChangeAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for i, id := range []int64{3, 1, 2} {
		_, err := s.RecordFromServer(ctx, changelog.ChangeLog{
			ChangeID:       fmt.Sprintf("s%d", i),
			Type:           changelog.InstanceInsert,
			InstanceNumber: fmt.Sprintf("+1555000000%d", i),
			ServerChangeID: changelog.Int64(id),
		})
		require.NoError(t, err)
	}

	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	watermark, err := s.LastServerRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), watermark, "watermark never moves backwards")
}

func TestDrain_FailureRetainsEntryAndStops(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, numberInsert("c1", "+15551234567"))
	record(t, s, contactInsert("c2"))

	_, err := s.DB().ExecContext(ctx, `DROP TABLE trusted_number`)
	require.NoError(t, err)

	states := workstate.New()
	defer states.Close()

	res, err := New(s, WithCoordinator(states)).Drain(ctx)
	require.Error(t, err)
	assert.True(t, IsApplyError(err))
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, workstate.Failed, states.State(workstate.Execute))

	n, err := s.ExecuteQueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "failed entry and everything after it stay queued")

	numbers, err := s.ContactNumbers(ctx)
	require.NoError(t, err)
	assert.Empty(t, numbers, "failed transaction leaves no partial effect")
}

func TestDrain_ExhaustedAttemptsAreDropped(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record(t, s, contactInsert("c1"))

	// Simulate two crashed attempts.
	for i := 0; i < 2; i++ {
		entry, _, err := s.ClaimNextExecute(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
	}

	res, err := New(s, WithMaxAttempts(2)).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dropped: 1}, res)

	logs, err := s.ErrorLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "gave up after 2 attempts")
}

func TestDrain_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	changes := []changelog.ChangeLog{
		record(t, s, contactInsert("c1")),
		record(t, s, numberInsert("c1", "+15551234567")),
	}
	_, err := New(s).Drain(ctx)
	require.NoError(t, err)

	before, err := s.Snapshot(ctx)
	require.NoError(t, err)

	// The same changes echoed by the server must not be applied again.
	for i, c := range changes {
		c.ServerChangeID = changelog.Int64(int64(i + 1))
		inserted, err := s.RecordFromServer(ctx, c)
		require.NoError(t, err)
		assert.False(t, inserted)
	}
	_, err = New(s).Drain(ctx)
	require.NoError(t, err)

	after, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDrain_ConcurrentCallersSerialize(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for i := 0; i < 20; i++ {
		record(t, s, numberInsert(fmt.Sprintf("c%d", i), "+15551234567"))
	}

	a := New(s)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Drain(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += res.Applied
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total, "each entry is applied exactly once")
	count, err := s.TrustedCount(ctx, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, 20, count)
	assertConsistent(t, s)
}

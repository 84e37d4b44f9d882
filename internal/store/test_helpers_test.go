package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alx-kng/telefender/internal/changelog"
)

// fixedClock always returns the same instant.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// createTestStore creates a new file-backed store in a temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithClock(fixedClock{time.UnixMilli(1_700_000_000_000)})}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// addNumber returns a CONTACT_NUMBER_INSERT input.
func addNumber(cid, number string) changelog.Input {
	return changelog.Input{
		Type:           changelog.ContactNumberInsert,
		InstanceNumber: "+15550000001",
		Payload: changelog.Payload{
			CID:          changelog.Str(cid),
			Number:       changelog.Str(number),
			CounterValue: changelog.Int64(0),
		},
	}
}

// serverChange builds a server-origin INSTANCE_INSERT with the given ids.
func serverChange(changeID string, serverID int64) changelog.ChangeLog {
	return changelog.ChangeLog{
		ChangeID:       changeID,
		ChangeTime:     1,
		Type:           changelog.InstanceInsert,
		InstanceNumber: fmt.Sprintf("+1555000%04d", serverID),
		ServerChangeID: changelog.Int64(serverID),
	}
}

// recordClientN records n client changes and returns them in order.
func recordClientN(t *testing.T, s *Store, n int) []changelog.ChangeLog {
	t.Helper()
	out := make([]changelog.ChangeLog, 0, n)
	for i := 0; i < n; i++ {
		c, err := s.RecordFromClient(context.Background(), addNumber(fmt.Sprintf("c%d", i), "+15551234567"))
		if err != nil {
			t.Fatalf("RecordFromClient(%d) failed: %v", i, err)
		}
		out = append(out, c)
	}
	return out
}

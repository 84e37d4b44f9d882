package native

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFile_MissingFilesReadEmpty(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "contacts.json"), filepath.Join(dir, "calls.json"))

	rows, err := f.Contacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)

	calls, err := f.CallsSince(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestFile_ReadsContactsAndCalls(t *testing.T) {
	dir := t.TempDir()
	contacts := filepath.Join(dir, "contacts.json")
	calls := filepath.Join(dir, "calls.json")
	writeFile(t, contacts, `[
		{"contact_id": "1", "number": "555-0001", "version": 2},
		{"contact_id": "2", "number": "555-0002", "version": 0}
	]`)
	writeFile(t, calls, `[
		{"number": "555-0001", "date": 1000, "type": "incoming", "duration": 30},
		{"number": "555-0002", "date": 500, "type": "missed"}
	]`)

	f := NewFile(contacts, calls)
	ctx := context.Background()

	rows, err := f.Contacts(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	one, err := f.Contact(ctx, "1")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, int64(2), one[0].Version)

	recent, err := f.CallsSince(ctx, 600)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "incoming", recent[0].Type)
	assert.Equal(t, int64(30), recent[0].Duration)
}

func TestFile_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	contacts := filepath.Join(dir, "contacts.json")
	writeFile(t, contacts, `{not json`)

	_, err := NewFile(contacts, "").Contacts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read native contacts")
}

func TestFile_ObserveNotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	contacts := filepath.Join(dir, "contacts.json")
	f := NewFile(contacts, filepath.Join(dir, "calls.json"))

	changed := make(chan struct{}, 16)
	unregister, err := f.Observe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer unregister()

	// Unrelated files in the same directory are ignored.
	writeFile(t, filepath.Join(dir, "other.json"), `[]`)
	writeFile(t, contacts, `[]`)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after writing the contacts file")
	}
}

func TestFile_UnregisterStopsWatcher(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "contacts.json"), "")

	first, err := f.Observe(func() {})
	require.NoError(t, err)
	second, err := f.Observe(func() {})
	require.NoError(t, err)

	first()
	f.mu.Lock()
	running := f.watcher != nil
	f.mu.Unlock()
	assert.True(t, running, "watcher stays while an observer remains")

	second()
	f.mu.Lock()
	running = f.watcher != nil
	f.mu.Unlock()
	assert.False(t, running)
}

func TestFile_ObserveMissingDirectory(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "missing", "contacts.json"), "")
	_, err := f.Observe(func() {})
	assert.Error(t, err)
}

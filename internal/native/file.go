package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File reads contacts and calls from JSON files, typically exported from
// the device by a companion process. A missing file reads as empty.
//
// Observers are notified when either file is created, written, removed or
// renamed. The containing directories are watched rather than the files so
// that atomic replace-by-rename is seen.
//
// Thread-safety: safe for concurrent use.
type File struct {
	contactsPath string
	callsPath    string
	logger       *slog.Logger

	mu        sync.Mutex
	observers observers
	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
}

// FileOption configures a File provider.
type FileOption func(*File)

// WithFileLogger sets the logger for watch errors. Default: slog.Default().
func WithFileLogger(l *slog.Logger) FileOption {
	return func(f *File) { f.logger = l }
}

// NewFile creates a provider over contactsPath and callsPath. Either may be
// empty, in which case that source is always empty.
func NewFile(contactsPath, callsPath string, opts ...FileOption) *File {
	f := &File{logger: slog.Default()}
	if contactsPath != "" {
		f.contactsPath = filepath.Clean(contactsPath)
	}
	if callsPath != "" {
		f.callsPath = filepath.Clean(callsPath)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Contacts implements ContactProvider.
func (f *File) Contacts(ctx context.Context) ([]ContactRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := []ContactRow{}
	if err := readJSON(f.contactsPath, &rows); err != nil {
		return nil, fmt.Errorf("read native contacts: %w", err)
	}
	return rows, nil
}

// Contact implements ContactProvider by re-reading the file.
func (f *File) Contact(ctx context.Context, contactID string) ([]ContactRow, error) {
	rows, err := f.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	out := []ContactRow{}
	for _, r := range rows {
		if r.ContactID == contactID {
			out = append(out, r)
		}
	}
	return out, nil
}

// CallsSince implements CallLogProvider.
func (f *File) CallsSince(ctx context.Context, since int64) ([]Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	calls := []Call{}
	if err := readJSON(f.callsPath, &calls); err != nil {
		return nil, fmt.Errorf("read native calls: %w", err)
	}
	return filterCalls(calls, since), nil
}

func readJSON(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Observe implements Observable. The file watcher runs while at least one
// observer is registered.
func (f *File) Observe(fn func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.watcher == nil {
		if err := f.startLocked(); err != nil {
			return nil, err
		}
	}
	id := f.observers.add(fn)

	var once sync.Once
	return func() {
		once.Do(func() { f.unobserve(id) })
	}, nil
}

func (f *File) unobserve(id int) {
	f.mu.Lock()
	f.observers.remove(id)
	if f.observers.len() > 0 || f.watcher == nil {
		f.mu.Unlock()
		return
	}
	w, done := f.watcher, f.done
	f.watcher, f.done = nil, nil
	f.mu.Unlock()

	close(done)
	if err := w.Close(); err != nil {
		f.logger.Warn("close native watcher", "error", err)
	}
	f.wg.Wait()
}

// startLocked creates the watcher on the directories of both files.
// Caller holds f.mu.
func (f *File) startLocked() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dirs := map[string]bool{}
	for _, p := range []string{f.contactsPath, f.callsPath} {
		if p != "" {
			dirs[filepath.Dir(p)] = true
		}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	f.watcher = w
	f.done = make(chan struct{})
	f.wg.Add(1)
	go f.processEvents(w, f.done)
	return nil
}

func (f *File) processEvents(w *fsnotify.Watcher, done chan struct{}) {
	defer f.wg.Done()
	for {
		select {
		case <-done:
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !f.relevant(event) {
				continue
			}
			f.mu.Lock()
			fns := f.observers.snapshot()
			f.mu.Unlock()
			for _, fn := range fns {
				fn()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("native watcher error", "error", err)
		}
	}
}

// relevant reports whether event touches one of the provider files.
// Chmod-only events are ignored.
func (f *File) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if name != f.contactsPath && name != f.callsPath {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/langhost/internal/lsp"
)

func TestWatcher_WatchUnwatchRoot(t *testing.T) {
	c := newCollector()
	w, err := New(c.sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	tmpDir := t.TempDir()

	if err := w.WatchRoot(tmpDir); err != nil {
		t.Fatalf("WatchRoot error = %v", err)
	}
	if !w.IsWatching(tmpDir) {
		t.Error("should be watching tmpDir")
	}

	if err := w.WatchRoot(tmpDir); !errors.Is(err, ErrAlreadyWatching) {
		t.Errorf("WatchRoot again error = %v, want ErrAlreadyWatching", err)
	}

	if err := w.UnwatchRoot(tmpDir); err != nil {
		t.Fatalf("UnwatchRoot error = %v", err)
	}
	if w.IsWatching(tmpDir) {
		t.Error("should not be watching tmpDir after UnwatchRoot")
	}

	if err := w.UnwatchRoot(tmpDir); !errors.Is(err, ErrNotWatching) {
		t.Errorf("UnwatchRoot again error = %v, want ErrNotWatching", err)
	}
}

func TestWatcher_WatchNonexistent(t *testing.T) {
	c := newCollector()
	w, err := New(c.sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if err := w.WatchRoot("/nonexistent/path/that/does/not/exist"); !errors.Is(err, ErrPathNotExist) {
		t.Errorf("WatchRoot nonexistent error = %v, want ErrPathNotExist", err)
	}
}

func TestWatcher_RecursiveRegistration(t *testing.T) {
	c := newCollector()
	w, err := New(c.sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "sub1", "sub2")
	ignoredDir := filepath.Join(tmpDir, "node_modules", "dep")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatalf("MkdirAll error = %v", err)
	}
	if err := os.MkdirAll(ignoredDir, 0755); err != nil {
		t.Fatalf("MkdirAll error = %v", err)
	}

	if err := w.WatchRoot(tmpDir); err != nil {
		t.Fatalf("WatchRoot error = %v", err)
	}

	w.mu.Lock()
	watchedSub := w.dirs[subDir]
	watchedIgnored := w.dirs[ignoredDir] || w.dirs[filepath.Join(tmpDir, "node_modules")]
	w.mu.Unlock()

	if !watchedSub {
		t.Error("nested directory should be registered")
	}
	if watchedIgnored {
		t.Error("ignored directory should not be registered")
	}
}

func TestWatcher_DeliversFileChanges(t *testing.T) {
	c := newCollector()
	w, err := New(c.sink, nil, WithDebounce(30*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	tmpDir := t.TempDir()
	if err := w.WatchRoot(tmpDir); err != nil {
		t.Fatalf("WatchRoot error = %v", err)
	}

	target := filepath.Join(tmpDir, "main.go")
	if err := os.WriteFile(target, []byte("package main\n"), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	batch := c.wait(t)
	found := false
	for _, change := range batch {
		if change.Path == target && change.Action == lsp.FileActionCreated {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected creation of %s in batch, got %+v", target, batch)
	}
}

func TestWatcher_EventBufferSize(t *testing.T) {
	c := newCollector()
	w, err := New(c.sink, nil, WithDebounce(30*time.Millisecond), WithBufferSize(7))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if cap(w.events) != 7 {
		t.Errorf("event buffer capacity = %d, want 7", cap(w.events))
	}

	// Changes still flow end to end through the buffered hand-off.
	tmpDir := t.TempDir()
	if err := w.WatchRoot(tmpDir); err != nil {
		t.Fatalf("WatchRoot error = %v", err)
	}

	target := filepath.Join(tmpDir, "buffered.go")
	if err := os.WriteFile(target, []byte("package x\n"), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	batch := c.wait(t)
	found := false
	for _, change := range batch {
		if change.Path == target {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected %s in batch, got %+v", target, batch)
	}
}

func TestWatcher_IgnoresHiddenFiles(t *testing.T) {
	c := newCollector()
	w, err := New(c.sink, nil, WithDebounce(30*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	tmpDir := t.TempDir()
	if err := w.WatchRoot(tmpDir); err != nil {
		t.Fatalf("WatchRoot error = %v", err)
	}

	hidden := filepath.Join(tmpDir, ".secret")
	visible := filepath.Join(tmpDir, "visible.go")
	os.WriteFile(hidden, []byte("x"), 0644)
	os.WriteFile(visible, []byte("package x\n"), 0644)

	batch := c.wait(t)
	for _, change := range batch {
		if change.Path == hidden {
			t.Errorf("Hidden file leaked into batch: %+v", change)
		}
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	c := newCollector()
	w, err := New(c.sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second Close() error = %v", err)
	}

	if err := w.WatchRoot(t.TempDir()); !errors.Is(err, ErrClosed) {
		t.Errorf("WatchRoot after close error = %v, want ErrClosed", err)
	}
}

func TestConvertOp(t *testing.T) {
	tests := []struct {
		op     fsnotify.Op
		action lsp.FileAction
		ok     bool
	}{
		{fsnotify.Create, lsp.FileActionCreated, true},
		{fsnotify.Write, lsp.FileActionModified, true},
		{fsnotify.Remove, lsp.FileActionDeleted, true},
		{fsnotify.Rename, lsp.FileActionDeleted, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, tt := range tests {
		action, ok := convertOp(tt.op)
		if ok != tt.ok || (ok && action != tt.action) {
			t.Errorf("convertOp(%v) = (%v, %v), want (%v, %v)", tt.op, action, ok, tt.action, tt.ok)
		}
	}
}

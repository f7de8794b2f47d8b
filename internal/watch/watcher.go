package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/langhost/internal/logging"
	"github.com/dshills/langhost/internal/lsp"
)

// Watcher observes project roots with fsnotify and feeds filtered change
// records into a batcher for debounced delivery.
type Watcher struct {
	config Config
	logger *logging.Logger

	fsw     *fsnotify.Watcher
	batcher *batcher
	events  chan lsp.FileChange // buffered hand-off from the event loop to the batcher

	mu    sync.Mutex
	roots map[string]bool // watched project roots
	dirs  map[string]bool // all directories registered with fsnotify

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// New creates a watcher delivering debounced batches to sink.
func New(sink Sink, logger *logging.Logger, opts ...Option) (*Watcher, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if logger == nil {
		logger = logging.Null
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:  config,
		logger:  logger.WithComponent("watch"),
		fsw:     fsw,
		batcher: newBatcher(config.Debounce, sink),
		events:  make(chan lsp.FileChange, config.BufferSize),
		roots:   make(map[string]bool),
		dirs:    make(map[string]bool),
		closeCh: make(chan struct{}),
	}

	w.closedWg.Add(2)
	go w.processLoop()
	go w.deliverLoop()

	return w, nil
}

// WatchRoot begins recursive observation of a project root.
func (w *Watcher) WatchRoot(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return ErrPathNotExist
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.roots[absRoot] {
		w.mu.Unlock()
		return ErrAlreadyWatching
	}
	w.roots[absRoot] = true
	w.mu.Unlock()

	return filepath.WalkDir(absRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if p != absRoot && w.ignored(p) {
			return filepath.SkipDir
		}
		if addErr := w.addDir(p); addErr != nil {
			w.logger.WithField("dir", p).Warn("watch dir: %v", addErr)
		}
		return nil
	})
}

// UnwatchRoot stops observation of a project root and all directories
// under it.
func (w *Watcher) UnwatchRoot(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if !w.roots[absRoot] {
		return ErrNotWatching
	}
	delete(w.roots, absRoot)

	prefix := absRoot + string(filepath.Separator)
	for dir := range w.dirs {
		if dir == absRoot || strings.HasPrefix(dir, prefix) {
			_ = w.fsw.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	return nil
}

// IsWatching reports whether the root is under observation.
func (w *Watcher) IsWatching(root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roots[absRoot]
}

// Roots returns the watched project roots.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	roots := make([]string, 0, len(w.roots))
	for r := range w.roots {
		roots = append(roots, r)
	}
	return roots
}

// Flush delivers any pending batch immediately.
func (w *Watcher) Flush(ctx context.Context) {
	w.batcher.flushNow(ctx)
}

// Close stops observation and releases resources. Pending changes are
// dropped, not delivered.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()
	w.batcher.stop()

	return w.fsw.Close()
}

// addDir registers one directory with fsnotify. Caller must not hold mu.
func (w *Watcher) addDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.dirs[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

// processLoop converts raw fsnotify events into change records.
func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch backend: %v", err)
		}
	}
}

// handleEvent filters, converts, and enqueues one raw event.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	action, ok := convertOp(ev.Op)
	if !ok {
		return
	}

	// A directory created under a watched root extends the watch.
	if action == lsp.FileActionCreated {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addDir(ev.Name); err != nil && err != ErrClosed {
				w.logger.WithField("dir", ev.Name).Warn("watch new dir: %v", err)
			}
			return // directory events themselves are not routed
		}
	}

	// Hand off through the buffered channel so a slow sink never stalls
	// the fsnotify event loop. Changes beyond the buffer are dropped.
	select {
	case w.events <- lsp.FileChange{Path: ev.Name, Action: action}:
	default:
		w.logger.WithField("path", ev.Name).Warn("event buffer full, change dropped")
	}
}

// deliverLoop drains the event buffer into the batcher.
func (w *Watcher) deliverLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return
		case change := <-w.events:
			w.batcher.add(change)
		}
	}
}

// convertOp maps an fsnotify operation to a change action. A rename at
// this level means the old name vanished; the new name arrives as its
// own create event in the destination directory.
func convertOp(op fsnotify.Op) (lsp.FileAction, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return lsp.FileActionCreated, true
	case op.Has(fsnotify.Write):
		return lsp.FileActionModified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return lsp.FileActionDeleted, true
	default:
		return 0, false // chmod and friends are noise here
	}
}

// ignored reports whether any path component below the owning root is
// excluded. Components of the root itself never disqualify a path.
func (w *Watcher) ignored(path string) bool {
	rel := path
	sep := string(filepath.Separator)

	w.mu.Lock()
	for root := range w.roots {
		if strings.HasPrefix(path, root+sep) {
			rel = strings.TrimPrefix(path, root+sep)
			break
		}
	}
	w.mu.Unlock()

	for _, part := range strings.Split(rel, sep) {
		if part == "" {
			continue
		}
		if w.config.IgnoreHidden && strings.HasPrefix(part, ".") {
			return true
		}
		for _, dir := range w.config.IgnoreDirs {
			if part == dir {
				return true
			}
		}
	}
	return false
}

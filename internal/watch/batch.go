package watch

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/langhost/internal/lsp"
)

// batcher coalesces change records per path inside a quiet window and
// delivers them as one batch once the window elapses without new
// arrivals.
type batcher struct {
	delay time.Duration
	sink  Sink

	mu      sync.Mutex
	pending map[string]lsp.FileChange
	order   []string // delivery preserves first-seen order
	timer   *time.Timer
	stopped bool
}

func newBatcher(delay time.Duration, sink Sink) *batcher {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &batcher{
		delay:   delay,
		sink:    sink,
		pending: make(map[string]lsp.FileChange),
	}
}

// add records one change and (re)arms the quiet-window timer.
func (b *batcher) add(change lsp.FileChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	if prev, exists := b.pending[change.Path]; exists {
		b.pending[change.Path] = coalesce(prev, change)
	} else {
		b.pending[change.Path] = change
		b.order = append(b.order, change.Path)
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, func() {
			b.flushNow(context.Background())
		})
	} else {
		b.timer.Reset(b.delay)
	}
}

// coalesce merges two changes to the same path into one record.
// Creation followed by modification is still a creation; deletion wins
// over everything before it; deletion followed by re-creation collapses
// to a modification.
func coalesce(prev, next lsp.FileChange) lsp.FileChange {
	switch {
	case next.Action == lsp.FileActionDeleted:
		return next
	case prev.Action == lsp.FileActionDeleted && next.Action == lsp.FileActionCreated:
		return lsp.FileChange{Path: next.Path, Action: lsp.FileActionModified}
	case prev.Action == lsp.FileActionCreated:
		return prev
	default:
		return next
	}
}

// flushNow delivers the pending batch, if any.
func (b *batcher) flushNow(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 || b.stopped {
		b.mu.Unlock()
		return
	}
	batch := make([]lsp.FileChange, 0, len(b.order))
	for _, path := range b.order {
		batch = append(batch, b.pending[path])
	}
	b.pending = make(map[string]lsp.FileChange)
	b.order = b.order[:0]
	b.mu.Unlock()

	b.sink(ctx, batch)
}

// pendingCount returns the number of coalesced changes awaiting delivery.
func (b *batcher) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// stop discards pending changes and prevents further delivery.
func (b *batcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[string]lsp.FileChange)
	b.order = nil
}

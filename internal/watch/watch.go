// Package watch monitors project roots for external file changes and
// delivers them as debounced batches ready for language-server routing.
//
// A Watcher observes one or more project roots recursively. Raw file
// system events are filtered against ignore rules, converted to change
// records, coalesced per path inside a debounce window, and handed to
// the registered sink as one batch per quiet period.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/langhost/internal/lsp"
)

// Common errors returned by watcher operations.
var (
	ErrClosed          = errors.New("watcher is closed")
	ErrAlreadyWatching = errors.New("path is already being watched")
	ErrNotWatching     = errors.New("path is not being watched")
	ErrPathNotExist    = errors.New("path does not exist")
)

// Sink receives one debounced batch of file changes.
type Sink func(ctx context.Context, changes []lsp.FileChange)

// Config holds watcher configuration options.
type Config struct {
	// Debounce is the quiet period before a batch is delivered. Changes
	// arriving within this window are coalesced into the same batch.
	// Default: 100ms
	Debounce time.Duration

	// BufferSize is the size of the internal event channel.
	// Default: 256
	BufferSize int

	// IgnoreDirs are directory names excluded from watching and from
	// event delivery, matched against any path component.
	IgnoreDirs []string

	// IgnoreHidden excludes dot-prefixed files and directories.
	// Default: true
	IgnoreHidden bool
}

// DefaultConfig returns a Config with sensible defaults. The default
// ignore set covers the usual dependency and VCS directories.
func DefaultConfig() Config {
	return Config{
		Debounce:     100 * time.Millisecond,
		BufferSize:   256,
		IgnoreDirs:   []string{".git", "node_modules", "vendor", "target"},
		IgnoreHidden: true,
	}
}

// Option configures a watcher.
type Option func(*Config)

// WithDebounce sets the batch quiet period.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) {
		c.Debounce = d
	}
}

// WithBufferSize sets the internal channel buffer size.
func WithBufferSize(size int) Option {
	return func(c *Config) {
		c.BufferSize = size
	}
}

// WithIgnoreDirs sets the excluded directory names.
func WithIgnoreDirs(dirs []string) Option {
	return func(c *Config) {
		c.IgnoreDirs = dirs
	}
}

// WithIgnoreHidden controls exclusion of dot-prefixed entries.
func WithIgnoreHidden(ignore bool) Option {
	return func(c *Config) {
		c.IgnoreHidden = ignore
	}
}

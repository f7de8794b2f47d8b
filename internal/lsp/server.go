package lsp

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
)

// ServerInstance binds a running language server to a project root.
// The project path is normalized with a trailing separator and serves as
// the registry key; exactly one instance exists per project path at any
// time, and creation is serialized per path.
type ServerInstance struct {
	// ProjectPath is the normalized, separator-terminated project root.
	ProjectPath string

	// Process is the server's process handle.
	Process Handle

	// Conn is the protocol connection to the server.
	Conn *Conn

	// Capabilities is the capability set advertised at initialization.
	// Immutable after the instance is created.
	Capabilities json.RawMessage

	mu       sync.Mutex
	disposer func()
	disposed bool
}

// NewServerInstance creates an instance record. The disposer, if any,
// releases session bookkeeping attached to this instance when it stops.
func NewServerInstance(projectPath string, proc Handle, conn *Conn, capabilities json.RawMessage) *ServerInstance {
	return &ServerInstance{
		ProjectPath:  NormalizeProjectPath(projectPath),
		Process:      proc,
		Conn:         conn,
		Capabilities: capabilities,
	}
}

// SetDisposer attaches the scoped-resource bundle released on stop.
func (s *ServerInstance) SetDisposer(fn func()) {
	s.mu.Lock()
	s.disposer = fn
	s.mu.Unlock()
}

// dispose releases session bookkeeping at most once.
func (s *ServerInstance) dispose() {
	s.mu.Lock()
	fn := s.disposer
	done := s.disposed
	s.disposed = true
	s.mu.Unlock()

	if fn != nil && !done {
		fn()
	}
}

// NormalizeProjectPath cleans a project root and guarantees a trailing
// separator so prefix matching cannot cross directory-name boundaries.
func NormalizeProjectPath(path string) string {
	cleaned := filepath.Clean(path)
	sep := string(filepath.Separator)
	if !strings.HasSuffix(cleaned, sep) {
		cleaned += sep
	}
	return cleaned
}

// pathUnder reports whether path lies under the normalized root.
func pathUnder(root, path string) bool {
	return strings.HasPrefix(path, root)
}

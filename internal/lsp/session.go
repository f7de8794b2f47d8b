package lsp

import (
	"sync"
	"sync/atomic"
)

// SessionID is the stable handle assigned to a session at registration.
// The session-to-server association is keyed by this handle, never by
// reference identity.
type SessionID uint64

// Session is a client session (an editor buffer) known to the manager.
type Session struct {
	// ID is the arena handle for this session.
	ID SessionID

	// Path is the file path backing the session; empty for unsaved
	// buffers, which are never routed to a server.
	Path string
}

// sessionArena owns session records keyed by handle.
type sessionArena struct {
	mu       sync.Mutex
	nextID   atomic.Uint64
	sessions map[SessionID]*Session
}

func newSessionArena() *sessionArena {
	return &sessionArena{
		sessions: make(map[SessionID]*Session),
	}
}

// register assigns a fresh handle and records the session.
func (a *sessionArena) register(path string) *Session {
	sess := &Session{
		ID:   SessionID(a.nextID.Add(1)),
		Path: path,
	}
	a.mu.Lock()
	a.sessions[sess.ID] = sess
	a.mu.Unlock()
	return sess
}

// get returns the session for a handle, or nil.
func (a *sessionArena) get(id SessionID) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// remove deletes the session record.
func (a *sessionArena) remove(id SessionID) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Package lsp manages the runtime lifecycle of out-of-process language
// servers and mediates all JSON-RPC communication with them.
//
// Each server is scoped to a project root. Editor sessions (buffers) are
// routed to the server owning their project root; servers start on demand,
// are shared across sessions, stop when unreferenced, and are killed
// unconditionally on shutdown even if the polite handshake fails.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Transport: JSON-RPC 2.0 framing and request correlation
//   - Conn: typed protocol surface over a Transport
//   - ServerInstance: one running server bound to a project root
//   - Manager: registry of instances, session routing, restart budget
//
// # Quick Start
//
// Create a manager with a start function and resolve sessions against it:
//
//	mgr := lsp.NewManager(startFn, lsp.WithLogger(log))
//	mgr.OnProjectPathsChanged(ctx, []string{"/home/me/proj"})
//	if err := mgr.StartListening(); err != nil {
//	    return err
//	}
//
//	sess := mgr.RegisterSession("/home/me/proj/main.go")
//	inst, err := mgr.GetServer(ctx, sess.ID, true)
//
// The start function is the sole way a server process comes into being;
// the manager never spawns twice concurrently for the same project path.
//
// # Crash Recovery
//
// The manager does not restart crashed servers itself. It maintains a
// per-project restart budget (HasReachedRestartLimit) that the host
// consults from its close handler to decide between re-invoking
// StartServer and surfacing a fatal condition.
//
// # Thread Safety
//
// Manager and Transport are safe for concurrent use. A ServerInstance is
// owned by the manager; callers only issue protocol operations through
// its Conn.
package lsp

package lsp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/langhost/internal/logging"
)

// StartFunc spawns, connects, and initializes a server for a project
// path. It is the sole means of bringing a server into being; the manager
// guarantees it is never invoked twice concurrently for the same path.
type StartFunc func(ctx context.Context, projectPath string) (*ServerInstance, error)

// Reporter wraps a long-running operation so the host can present
// progress to the user. It must run fn and return its error.
type Reporter func(label string, fn func() error) error

// Restart budget defaults: a project that needs more than
// DefaultRestartLimit attempts inside one DefaultRestartWindow has
// exhausted its budget until the window expires quietly.
const (
	DefaultRestartLimit  = 5
	DefaultRestartWindow = 3 * time.Minute

	// shutdownTimeout bounds the graceful shutdown request before the
	// unconditional kill.
	shutdownTimeout = 5 * time.Second
)

// restartCounter tracks restart attempts for one project path. The timer
// clears the whole record after the decay window passes with no further
// attempts; gen invalidates callbacks from superseded timers so a stale
// expiry at the window boundary cannot delete a live counter.
type restartCounter struct {
	attempts int
	timer    *time.Timer
	gen      int
}

// pendingStart is one in-flight start operation. Waiters block on done;
// inst and err are immutable once done is closed.
type pendingStart struct {
	done chan struct{}
	inst *ServerInstance
	err  error
}

// wait blocks until the start resolves or ctx fires.
func (p *pendingStart) wait(ctx context.Context) (*ServerInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.inst, p.err
	}
}

// Manager owns the set of active server instances, keyed by normalized
// project path, and routes sessions to them. It drives start, stop,
// restart, and reaction to project-path and watched-file change events.
//
// State machine per project path: absent -> starting -> active ->
// stopping -> absent. Start operations are serialized per path; stop
// removes an instance from the active registry before any suspending
// cleanup, so a concurrent resolution never observes a dying instance.
type Manager struct {
	start         StartFunc
	logger        *logging.Logger
	eligible      func(*Session) bool
	watchEligible func(string) bool
	report        Reporter

	restartLimit  int
	restartWindow time.Duration

	// starts serializes spawns per project path; concurrent resolvers
	// for the same path share the in-flight result.
	starts singleflight.Group

	mu        sync.Mutex
	active    map[string]*ServerInstance
	stopping  map[string]*ServerInstance // keyed by process handle id
	pending   map[string]*pendingStart   // in-flight starts by project path
	restarts  map[string]*restartCounter
	bindings  map[SessionID]*ServerInstance
	roots     []string // normalized, longest first
	listening bool

	sessions *sessionArena
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.WithComponent("lsp.manager")
	}
}

// WithEligibility sets the predicate deciding whether a session's content
// warrants a server at all.
func WithEligibility(fn func(*Session) bool) ManagerOption {
	return func(m *Manager) {
		m.eligible = fn
	}
}

// WithWatchFilter sets the per-path eligibility filter for watched-file
// forwarding.
func WithWatchFilter(fn func(path string) bool) ManagerOption {
	return func(m *Manager) {
		m.watchEligible = fn
	}
}

// WithReporter sets the long-running-operation reporter used to wrap
// graceful stops.
func WithReporter(fn Reporter) ManagerOption {
	return func(m *Manager) {
		m.report = fn
	}
}

// WithRestartLimit overrides the restart-attempt ceiling.
func WithRestartLimit(n int) ManagerOption {
	return func(m *Manager) {
		m.restartLimit = n
	}
}

// WithRestartWindow overrides the restart-counter decay window.
func WithRestartWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.restartWindow = d
	}
}

// NewManager creates a manager that spawns servers with the given start
// function.
func NewManager(start StartFunc, opts ...ManagerOption) *Manager {
	m := &Manager{
		start:         start,
		logger:        logging.Null,
		restartLimit:  DefaultRestartLimit,
		restartWindow: DefaultRestartWindow,
		active:        make(map[string]*ServerInstance),
		stopping:      make(map[string]*ServerInstance),
		pending:       make(map[string]*pendingStart),
		restarts:      make(map[string]*restartCounter),
		bindings:      make(map[SessionID]*ServerInstance),
		sessions:      newSessionArena(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartListening begins session observation. It must be called exactly
// once before sessions are routed, and must not be called again until
// StopListening.
func (m *Manager) StartListening() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listening {
		return ErrAlreadyListening
	}
	m.listening = true
	return nil
}

// StopListening suspends session observation.
func (m *Manager) StopListening() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.listening {
		return ErrNotListening
	}
	m.listening = false
	return nil
}

// RegisterSession assigns a stable handle to a new session.
func (m *Manager) RegisterSession(path string) *Session {
	return m.sessions.register(path)
}

// DestroySession removes a session and reclaims any server left without
// mapped sessions.
func (m *Manager) DestroySession(ctx context.Context, id SessionID) {
	m.mu.Lock()
	delete(m.bindings, id)
	m.mu.Unlock()
	m.sessions.remove(id)

	m.StopUnused(ctx)
}

// GetServer resolves a session to the server instance owning its project
// root. It returns (nil, nil) when the session's path falls under no
// registered root. A start already pending for the root is awaited and
// its result returned regardless of shouldStart or eligibility. When no
// instance is active or pending, shouldStart is true, and the session is
// eligible, exactly one start is triggered; concurrent resolvers for the
// same path all receive the same eventual instance.
func (m *Manager) GetServer(ctx context.Context, id SessionID, shouldStart bool) (*ServerInstance, error) {
	sess := m.sessions.get(id)
	if sess == nil {
		return nil, ErrUnknownSession
	}

	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return nil, ErrNotListening
	}
	root := m.rootForLocked(sess.Path)
	if root == "" {
		m.mu.Unlock()
		return nil, nil
	}
	if inst := m.active[root]; inst != nil {
		m.bindings[id] = inst
		m.mu.Unlock()
		return inst, nil
	}
	p := m.pending[root]
	m.mu.Unlock()

	if p != nil {
		inst, err := p.wait(ctx)
		if err != nil {
			return nil, err
		}
		m.bind(id, root, inst)
		return inst, nil
	}

	if !shouldStart {
		return nil, nil
	}
	if m.eligible != nil && !m.eligible(sess) {
		return nil, nil
	}

	inst, err := m.StartServer(ctx, root)
	if err != nil {
		return nil, err
	}
	m.bind(id, root, inst)
	return inst, nil
}

// bind maps the session to the instance, unless the instance has already
// left the active registry or observation is suspended.
func (m *Manager) bind(id SessionID, root string, inst *ServerInstance) {
	m.mu.Lock()
	if m.listening && m.active[root] == inst {
		m.bindings[id] = inst
	}
	m.mu.Unlock()
}

// StartServer starts (or joins the pending start of) the server for a
// project path. On failure the path remains absent and may be retried.
func (m *Manager) StartServer(ctx context.Context, projectPath string) (*ServerInstance, error) {
	root := NormalizeProjectPath(projectPath)

	v, err, _ := m.starts.Do(root, func() (any, error) {
		p := m.trackPending(root)
		inst, startErr := m.startServer(ctx, root)
		m.resolvePending(root, p, inst, startErr)
		return inst, startErr
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServerInstance), nil
}

// trackPending publishes an in-flight start for root so resolvers and
// StopAll can await it.
func (m *Manager) trackPending(root string) *pendingStart {
	p := &pendingStart{done: make(chan struct{})}
	m.mu.Lock()
	m.pending[root] = p
	m.mu.Unlock()
	return p
}

// resolvePending records the start outcome and releases all waiters. The
// pending entry is removed before done closes so a waiter re-checking the
// registry sees either the active instance or nothing, never both.
func (m *Manager) resolvePending(root string, p *pendingStart, inst *ServerInstance, err error) {
	m.mu.Lock()
	if m.pending[root] == p {
		delete(m.pending, root)
	}
	m.mu.Unlock()

	p.inst = inst
	p.err = err
	close(p.done)
}

// startServer invokes the injected start function and records the result.
// Runs inside the pending-start flight for root.
func (m *Manager) startServer(ctx context.Context, root string) (*ServerInstance, error) {
	m.mu.Lock()
	if existing := m.active[root]; existing != nil {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	m.logger.WithField("project", root).Debug("starting server")

	inst, err := m.start(ctx, root)
	if err != nil {
		m.logger.WithField("project", root).Error("server start failed: %v", err)
		return nil, &ServerError{ProjectPath: root, Err: err}
	}

	m.mu.Lock()
	m.active[root] = inst
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"project": root,
		"pid":     inst.Process.PID(),
	}).Info("server started")

	return inst, nil
}

// StopUnused stops every active instance with zero mapped sessions.
// Failures are isolated per instance.
func (m *Manager) StopUnused(ctx context.Context) {
	m.mu.Lock()
	used := make(map[string]bool, len(m.bindings))
	for _, inst := range m.bindings {
		used[inst.ProjectPath] = true
	}
	var unused []*ServerInstance
	for root, inst := range m.active {
		if !used[root] {
			unused = append(unused, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range unused {
		if err := m.StopServer(ctx, inst); err != nil {
			m.logger.WithField("project", inst.ProjectPath).Warn("stop unused: %v", err)
		}
	}
}

// StopServer gracefully stops an instance. The instance leaves the active
// registry synchronously, before any suspending cleanup, and is tracked
// in the stopping set until teardown completes so Terminate can still
// reach it if the process hangs mid-shutdown.
func (m *Manager) StopServer(ctx context.Context, inst *ServerInstance) error {
	m.mu.Lock()
	if m.active[inst.ProjectPath] == inst {
		delete(m.active, inst.ProjectPath)
	}
	m.stopping[inst.Process.ID()] = inst
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.stopping, inst.Process.ID())
		m.mu.Unlock()
	}()

	m.logger.WithField("project", inst.ProjectPath).Debug("stopping server")

	inst.dispose()

	var shutdownErr error
	if inst.Conn != nil && inst.Conn.IsOpen() {
		shutdown := func() error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return inst.Conn.Shutdown(shutdownCtx)
		}
		if m.report != nil {
			shutdownErr = m.report("Shutting down language server for "+inst.ProjectPath, shutdown)
		} else {
			shutdownErr = shutdown()
		}
		if shutdownErr != nil {
			m.logger.WithField("project", inst.ProjectPath).Warn("graceful shutdown failed: %v", shutdownErr)
		}
	}

	m.removeBindings(inst)

	m.ExitServer(ctx, inst)

	m.logger.WithField("project", inst.ProjectPath).Info("server stopped")
	return shutdownErr
}

// ExitServer sends exit and disposes the connection if still open, then
// kills the process. The kill runs unconditionally, whatever the polite
// path does.
func (m *Manager) ExitServer(ctx context.Context, inst *ServerInstance) {
	defer func() {
		if err := inst.Process.Kill(); err != nil {
			m.logger.WithField("project", inst.ProjectPath).Debug("kill: %v", err)
		}
	}()

	if inst.Conn != nil && inst.Conn.IsOpen() {
		_ = inst.Conn.Exit(ctx)
		_ = inst.Conn.Dispose()
	}
}

// removeBindings clears all session mappings pointing at inst.
func (m *Manager) removeBindings(inst *ServerInstance) {
	m.mu.Lock()
	for id, bound := range m.bindings {
		if bound == inst {
			delete(m.bindings, id)
		}
	}
	m.mu.Unlock()
}

// StopAll cancels all restart-decay timers, clears the restart counters,
// and stops every active instance concurrently. In-flight starts are
// awaited and their instances stopped as well, so no server outlives the
// call. Each instance's stop is independent; one failure does not abort
// the others.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	for path, rc := range m.restarts {
		rc.timer.Stop()
		delete(m.restarts, path)
	}
	insts := make([]*ServerInstance, 0, len(m.active))
	for _, inst := range m.active {
		insts = append(insts, inst)
	}
	pendings := make([]*pendingStart, 0, len(m.pending))
	for _, p := range m.pending {
		pendings = append(pendings, p)
	}
	m.mu.Unlock()

	stopped := make(map[*ServerInstance]bool, len(insts))
	for _, inst := range insts {
		stopped[inst] = true
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(insts)+len(pendings))
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *ServerInstance) {
			defer wg.Done()
			if err := m.StopServer(ctx, inst); err != nil {
				errCh <- &ServerError{ProjectPath: inst.ProjectPath, Err: err}
			}
		}(inst)
	}
	wg.Wait()

	// Starts still in flight when the snapshot was taken resolve after
	// the active sweep; stop whatever they produced.
	for _, p := range pendings {
		<-p.done
		if p.inst == nil || stopped[p.inst] {
			continue
		}
		stopped[p.inst] = true
		if err := m.StopServer(ctx, p.inst); err != nil {
			errCh <- &ServerError{ProjectPath: p.inst.ProjectPath, Err: err}
		}
	}
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RestartAll suspends session observation, stops all servers, clears the
// session mapping, then resumes observation. No session is routed to a
// half-torn-down server during the restart window.
func (m *Manager) RestartAll(ctx context.Context) error {
	m.mu.Lock()
	wasListening := m.listening
	m.listening = false
	m.mu.Unlock()

	err := m.StopAll(ctx)

	m.mu.Lock()
	m.bindings = make(map[SessionID]*ServerInstance)
	m.listening = wasListening
	m.mu.Unlock()

	return err
}

// HasReachedRestartLimit records a restart attempt for the instance's
// project path and reports whether the budget is exhausted. Checking
// counts as an attempt. The counter belongs to the project path, not the
// instance, so crash cycles accumulate across instance replacement; the
// record decays after the window passes with no further attempts.
func (m *Manager) HasReachedRestartLimit(inst *ServerInstance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := inst.ProjectPath
	rc := m.restarts[path]
	if rc == nil {
		rc = &restartCounter{}
		m.restarts[path] = rc
	}

	// Arm a fresh timer per attempt. A superseded timer may already have
	// fired and be waiting on mu; the generation check makes its callback
	// a no-op instead of deleting the live counter.
	if rc.timer != nil {
		rc.timer.Stop()
	}
	rc.gen++
	gen := rc.gen
	rc.timer = time.AfterFunc(m.restartWindow, func() {
		m.mu.Lock()
		if cur := m.restarts[path]; cur == rc && cur.gen == gen {
			delete(m.restarts, path)
		}
		m.mu.Unlock()
	})

	rc.attempts++
	return rc.attempts > m.restartLimit
}

// Terminate kills every instance still mid-teardown. Used during abrupt
// process shutdown when graceful stop cannot be awaited.
func (m *Manager) Terminate() {
	m.mu.Lock()
	insts := make([]*ServerInstance, 0, len(m.stopping))
	for _, inst := range m.stopping {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		_ = inst.Process.Kill()
	}
}

// OnProjectPathsChanged stops every active instance whose project root is
// no longer present, then recomputes the root set used for routing.
func (m *Manager) OnProjectPathsChanged(ctx context.Context, paths []string) {
	normalized := make([]string, 0, len(paths))
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		root := NormalizeProjectPath(p)
		normalized = append(normalized, root)
		present[root] = true
	}

	m.mu.Lock()
	var removed []*ServerInstance
	for root, inst := range m.active {
		if !present[root] {
			removed = append(removed, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range removed {
		if err := m.StopServer(ctx, inst); err != nil {
			m.logger.WithField("project", inst.ProjectPath).Warn("stop removed project: %v", err)
		}
	}

	// Longest root first so the first prefix match is always the longest;
	// ties keep registration order.
	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i]) > len(normalized[j])
	})

	m.mu.Lock()
	m.roots = normalized
	m.mu.Unlock()
}

// rootForLocked resolves a file path to its project root by longest
// prefix match. Returns "" when no root contains the path. Must hold mu.
func (m *Manager) rootForLocked(path string) string {
	if path == "" {
		return ""
	}
	for _, root := range m.roots {
		if pathUnder(root, path) {
			return root
		}
	}
	return ""
}

// OnFilesChanged partitions a change batch by owning project root and
// forwards each non-empty filtered batch to that instance's connection.
// No-op when no instance is active.
func (m *Manager) OnFilesChanged(ctx context.Context, changes []FileChange) {
	m.mu.Lock()
	insts := make([]*ServerInstance, 0, len(m.active))
	for _, inst := range m.active {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		if inst.Conn == nil {
			continue
		}
		events := routeChanges(inst.ProjectPath, changes, m.watchEligible)
		if len(events) == 0 {
			continue
		}
		if err := inst.Conn.DidChangeWatchedFiles(ctx, DidChangeWatchedFilesParams{Changes: events}); err != nil {
			m.logger.WithField("project", inst.ProjectPath).Warn("forward watched files: %v", err)
		}
	}
}

// ActiveServers returns a snapshot of the current instances. Mutating the
// returned slice does not affect manager state.
func (m *Manager) ActiveServers() []*ServerInstance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ServerInstance, 0, len(m.active))
	for _, inst := range m.active {
		out = append(out, inst)
	}
	return out
}

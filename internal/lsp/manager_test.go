package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHandle is an in-process stand-in for a server subprocess.
type fakeHandle struct {
	id       string
	killed   atomic.Bool
	done     chan struct{}
	killOnce sync.Once
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, done: make(chan struct{})}
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) PID() int              { return 4242 }
func (h *fakeHandle) Stdin() io.WriteCloser { return nil }
func (h *fakeHandle) Stdout() io.ReadCloser { return nil }
func (h *fakeHandle) Stderr() io.ReadCloser { return nil }

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	h.killOnce.Do(func() { close(h.done) })
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

// fakeStarter builds ServerInstances without spawning anything. Instances
// carry no Conn, so stop paths skip the protocol handshake and go
// straight to the kill.
type fakeStarter struct {
	mu     sync.Mutex
	calls  int
	nextID int
	delay  time.Duration
	err    error
}

func (f *fakeStarter) start(ctx context.Context, projectPath string) (*ServerInstance, error) {
	f.mu.Lock()
	f.calls++
	f.nextID++
	id := fmt.Sprintf("proc-%d", f.nextID)
	delay := f.delay
	err := f.err
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return NewServerInstance(projectPath, newFakeHandle(id), nil, nil), nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newTestManager returns a listening manager routing the given roots.
func newTestManager(t *testing.T, starter *fakeStarter, roots ...string) *Manager {
	t.Helper()
	m := NewManager(starter.start)
	if err := m.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	m.OnProjectPathsChanged(context.Background(), roots)
	return m
}

func TestManager_Listening(t *testing.T) {
	m := NewManager((&fakeStarter{}).start)

	if err := m.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	if err := m.StartListening(); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("Expected ErrAlreadyListening, got %v", err)
	}
	if err := m.StopListening(); err != nil {
		t.Fatalf("StopListening() error = %v", err)
	}
	if err := m.StopListening(); !errors.Is(err, ErrNotListening) {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
}

func TestManager_GetServer_UnknownSession(t *testing.T) {
	m := newTestManager(t, &fakeStarter{}, "/work/app")

	_, err := m.GetServer(context.Background(), SessionID(999), true)
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
}

func TestManager_GetServer_NotListening(t *testing.T) {
	starter := &fakeStarter{}
	m := NewManager(starter.start)
	m.OnProjectPathsChanged(context.Background(), []string{"/work/app"})
	sess := m.RegisterSession("/work/app/main.go")

	_, err := m.GetServer(context.Background(), sess.ID, true)
	if !errors.Is(err, ErrNotListening) {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
}

func TestManager_GetServer_NoMatchingRoot(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/elsewhere/main.go")

	inst, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if inst != nil {
		t.Errorf("Expected nil instance for unrooted path, got %v", inst.ProjectPath)
	}
	if starter.callCount() != 0 {
		t.Errorf("Start should not be attempted, got %d calls", starter.callCount())
	}
}

func TestManager_GetServer_UnsavedSession(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("")

	inst, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil || inst != nil {
		t.Errorf("Expected (nil, nil) for unsaved session, got (%v, %v)", inst, err)
	}
}

func TestManager_GetServer_NoStartRequested(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	inst, err := m.GetServer(context.Background(), sess.ID, false)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if inst != nil {
		t.Error("Expected no instance when shouldStart is false")
	}
	if starter.callCount() != 0 {
		t.Errorf("Start should not be attempted, got %d calls", starter.callCount())
	}
}

func TestManager_GetServer_StartsAndBinds(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	inst, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if inst == nil {
		t.Fatal("Expected an instance")
	}
	if inst.ProjectPath != NormalizeProjectPath("/work/app") {
		t.Errorf("Instance bound to wrong root: %s", inst.ProjectPath)
	}

	// Second resolution reuses the active instance.
	again, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetServer() second call error = %v", err)
	}
	if again != inst {
		t.Error("Expected the same instance on re-resolution")
	}
	if starter.callCount() != 1 {
		t.Errorf("Expected 1 start, got %d", starter.callCount())
	}
}

func TestManager_GetServer_ConcurrentStartsShareFlight(t *testing.T) {
	starter := &fakeStarter{delay: 50 * time.Millisecond}
	m := newTestManager(t, starter, "/work/app")

	const n = 8
	results := make(chan *ServerInstance, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sess := m.RegisterSession(fmt.Sprintf("/work/app/file%d.go", i))
		wg.Add(1)
		go func(id SessionID) {
			defer wg.Done()
			inst, err := m.GetServer(context.Background(), id, true)
			if err != nil {
				t.Errorf("GetServer() error = %v", err)
				return
			}
			results <- inst
		}(sess.ID)
	}
	wg.Wait()
	close(results)

	var first *ServerInstance
	for inst := range results {
		if first == nil {
			first = inst
		} else if inst != first {
			t.Error("Concurrent resolvers received different instances")
		}
	}
	if starter.callCount() != 1 {
		t.Errorf("Expected exactly 1 start across concurrent resolvers, got %d", starter.callCount())
	}
}

func TestManager_GetServer_JoinsPendingStartWithoutStartFlag(t *testing.T) {
	starter := &fakeStarter{delay: 100 * time.Millisecond}
	m := newTestManager(t, starter, "/work/app")

	first := m.RegisterSession("/work/app/main.go")
	second := m.RegisterSession("/work/app/util.go")

	started := make(chan *ServerInstance, 1)
	go func() {
		inst, err := m.GetServer(context.Background(), first.ID, true)
		if err != nil {
			t.Errorf("GetServer() error = %v", err)
		}
		started <- inst
	}()

	// Give the start a moment to enter flight, then resolve the second
	// session without requesting a start. A pending start is joined
	// regardless of the flag.
	time.Sleep(20 * time.Millisecond)
	joined, err := m.GetServer(context.Background(), second.ID, false)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if joined == nil {
		t.Fatal("Expected the pending start's instance, got nil")
	}

	inst := <-started
	if joined != inst {
		t.Error("Joining resolver received a different instance")
	}
	if starter.callCount() != 1 {
		t.Errorf("Expected exactly 1 start, got %d", starter.callCount())
	}

	// Both sessions are bound to the shared instance.
	m.mu.Lock()
	boundFirst := m.bindings[first.ID]
	boundSecond := m.bindings[second.ID]
	m.mu.Unlock()
	if boundFirst != inst || boundSecond != inst {
		t.Error("Expected both sessions bound to the shared instance")
	}
}

func TestManager_GetServer_IneligibleSessionJoinsPendingStart(t *testing.T) {
	starter := &fakeStarter{delay: 100 * time.Millisecond}
	m := NewManager(starter.start, WithEligibility(func(s *Session) bool {
		return s.Path == "/work/app/main.go"
	}))
	m.StartListening()
	m.OnProjectPathsChanged(context.Background(), []string{"/work/app"})

	eligible := m.RegisterSession("/work/app/main.go")
	ineligible := m.RegisterSession("/work/app/notes.txt")

	started := make(chan *ServerInstance, 1)
	go func() {
		inst, err := m.GetServer(context.Background(), eligible.ID, true)
		if err != nil {
			t.Errorf("GetServer() error = %v", err)
		}
		started <- inst
	}()

	time.Sleep(20 * time.Millisecond)
	joined, err := m.GetServer(context.Background(), ineligible.ID, true)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if joined == nil {
		t.Fatal("Eligibility gates new starts, not joining a pending one")
	}
	if inst := <-started; joined != inst {
		t.Error("Joining resolver received a different instance")
	}
	if starter.callCount() != 1 {
		t.Errorf("Expected exactly 1 start, got %d", starter.callCount())
	}
}

func TestManager_GetServer_Ineligible(t *testing.T) {
	starter := &fakeStarter{}
	m := NewManager(starter.start, WithEligibility(func(s *Session) bool { return false }))
	m.StartListening()
	m.OnProjectPathsChanged(context.Background(), []string{"/work/app"})
	sess := m.RegisterSession("/work/app/main.go")

	inst, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil || inst != nil {
		t.Errorf("Expected (nil, nil) for ineligible session, got (%v, %v)", inst, err)
	}
	if starter.callCount() != 0 {
		t.Errorf("Start should not be attempted, got %d calls", starter.callCount())
	}
}

func TestManager_GetServer_LongestRootWins(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work", "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	inst, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if inst.ProjectPath != NormalizeProjectPath("/work/app") {
		t.Errorf("Expected the more specific root, got %s", inst.ProjectPath)
	}
}

func TestManager_StartFailureLeavesPathAbsent(t *testing.T) {
	starter := &fakeStarter{err: errors.New("spawn failed")}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	_, err := m.GetServer(context.Background(), sess.ID, true)
	if err == nil {
		t.Fatal("Expected start error")
	}
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("Expected *ServerError, got %T: %v", err, err)
	}
	if len(m.ActiveServers()) != 0 {
		t.Error("Failed start must leave no active instance")
	}

	// The path stays retryable: clear the fault and resolve again.
	starter.mu.Lock()
	starter.err = nil
	starter.mu.Unlock()

	inst, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil || inst == nil {
		t.Fatalf("Retry after failed start: (%v, %v)", inst, err)
	}
}

func TestManager_StopServer(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	inst, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}

	disposed := false
	inst.SetDisposer(func() { disposed = true })

	if err := m.StopServer(context.Background(), inst); err != nil {
		t.Fatalf("StopServer() error = %v", err)
	}

	if len(m.ActiveServers()) != 0 {
		t.Error("Instance should leave the active registry")
	}
	if !disposed {
		t.Error("Disposer should run on stop")
	}
	if !inst.Process.(*fakeHandle).killed.Load() {
		t.Error("Process should be killed")
	}

	// The binding is gone: a fresh resolution starts a new instance.
	again, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetServer() after stop error = %v", err)
	}
	if again == inst {
		t.Error("Expected a fresh instance after stop")
	}
	if starter.callCount() != 2 {
		t.Errorf("Expected 2 starts, got %d", starter.callCount())
	}
}

func TestManager_StopUnused(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app", "/work/lib")

	appSess := m.RegisterSession("/work/app/main.go")
	libSess := m.RegisterSession("/work/lib/lib.go")

	appInst, _ := m.GetServer(context.Background(), appSess.ID, true)
	libInst, _ := m.GetServer(context.Background(), libSess.ID, true)
	if appInst == nil || libInst == nil {
		t.Fatal("Expected both instances to start")
	}

	// Dropping the lib session leaves its server with no mapped sessions.
	m.DestroySession(context.Background(), libSess.ID)

	active := m.ActiveServers()
	if len(active) != 1 {
		t.Fatalf("Expected 1 active server, got %d", len(active))
	}
	if active[0] != appInst {
		t.Error("Wrong server survived StopUnused")
	}
	if !libInst.Process.(*fakeHandle).killed.Load() {
		t.Error("Unused server's process should be killed")
	}
}

func TestManager_StopAll(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app", "/work/lib")

	a := m.RegisterSession("/work/app/main.go")
	b := m.RegisterSession("/work/lib/lib.go")
	instA, _ := m.GetServer(context.Background(), a.ID, true)
	instB, _ := m.GetServer(context.Background(), b.ID, true)

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}

	if len(m.ActiveServers()) != 0 {
		t.Error("Expected no active servers after StopAll")
	}
	if !instA.Process.(*fakeHandle).killed.Load() || !instB.Process.(*fakeHandle).killed.Load() {
		t.Error("All processes should be killed")
	}
}

func TestManager_StopAllAwaitsInFlightStart(t *testing.T) {
	starter := &fakeStarter{delay: 100 * time.Millisecond}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	started := make(chan *ServerInstance, 1)
	go func() {
		inst, _ := m.GetServer(context.Background(), sess.ID, true)
		started <- inst
	}()

	// StopAll lands mid-flight; it must wait for the spawn to resolve and
	// stop the instance it produced.
	time.Sleep(20 * time.Millisecond)
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}

	inst := <-started
	if inst == nil {
		t.Fatal("Expected the in-flight start to produce an instance")
	}
	if len(m.ActiveServers()) != 0 {
		t.Error("Expected no active servers after StopAll")
	}
	if !inst.Process.(*fakeHandle).killed.Load() {
		t.Error("Instance born mid-StopAll should be stopped too")
	}
}

func TestManager_RestartAllStopsInFlightStart(t *testing.T) {
	starter := &fakeStarter{delay: 100 * time.Millisecond}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	started := make(chan *ServerInstance, 1)
	go func() {
		inst, _ := m.GetServer(context.Background(), sess.ID, true)
		started <- inst
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.RestartAll(context.Background()); err != nil {
		t.Fatalf("RestartAll() error = %v", err)
	}

	inst := <-started
	if inst != nil && !inst.Process.(*fakeHandle).killed.Load() {
		t.Error("Instance from the in-flight start should not survive RestartAll")
	}
	if len(m.ActiveServers()) != 0 {
		t.Error("Expected no active servers right after RestartAll")
	}
}

func TestManager_StopAllResetsRestartCounters(t *testing.T) {
	starter := &fakeStarter{}
	m := NewManager(starter.start, WithRestartLimit(1))
	m.StartListening()
	m.OnProjectPathsChanged(context.Background(), []string{"/work/app"})

	inst := NewServerInstance("/work/app", newFakeHandle("p"), nil, nil)

	if m.HasReachedRestartLimit(inst) {
		t.Error("First attempt should be within budget")
	}
	if !m.HasReachedRestartLimit(inst) {
		t.Error("Second attempt should exceed a limit of 1")
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}

	if m.HasReachedRestartLimit(inst) {
		t.Error("StopAll should reset restart counters")
	}
}

func TestManager_RestartLimitWindowDecay(t *testing.T) {
	starter := &fakeStarter{}
	m := NewManager(starter.start, WithRestartLimit(1), WithRestartWindow(50*time.Millisecond))

	inst := NewServerInstance("/work/app", newFakeHandle("p"), nil, nil)

	if m.HasReachedRestartLimit(inst) {
		t.Error("First attempt should be within budget")
	}

	time.Sleep(120 * time.Millisecond)

	// The record decayed; the counter starts over.
	if m.HasReachedRestartLimit(inst) {
		t.Error("Attempt after quiet window should be attempt 1 again")
	}
}

func TestManager_RestartLimitWindowExtendsUnderPressure(t *testing.T) {
	starter := &fakeStarter{}
	m := NewManager(starter.start, WithRestartLimit(2), WithRestartWindow(60*time.Millisecond))

	inst := NewServerInstance("/work/app", newFakeHandle("p"), nil, nil)

	// Each attempt re-arms the decay timer, so a path crashing faster than
	// the window keeps accumulating instead of quietly resetting when the
	// first attempt's expiry comes due.
	m.HasReachedRestartLimit(inst)
	time.Sleep(40 * time.Millisecond)
	m.HasReachedRestartLimit(inst)
	time.Sleep(40 * time.Millisecond)

	// 80ms after the first attempt, past its original expiry. The counter
	// must still hold both attempts.
	if !m.HasReachedRestartLimit(inst) {
		t.Error("Third attempt within a rolling window should exceed a limit of 2")
	}
}

func TestManager_RestartLimitSurvivesInstanceReplacement(t *testing.T) {
	starter := &fakeStarter{}
	m := NewManager(starter.start, WithRestartLimit(2))

	// The budget belongs to the project path; swapping instances does not
	// reset it.
	first := NewServerInstance("/work/app", newFakeHandle("p1"), nil, nil)
	second := NewServerInstance("/work/app", newFakeHandle("p2"), nil, nil)

	m.HasReachedRestartLimit(first)
	m.HasReachedRestartLimit(second)
	if !m.HasReachedRestartLimit(second) {
		t.Error("Third attempt on the same path should exceed a limit of 2")
	}
}

func TestManager_RestartAll(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app")
	sess := m.RegisterSession("/work/app/main.go")

	old, _ := m.GetServer(context.Background(), sess.ID, true)
	if old == nil {
		t.Fatal("Expected an instance")
	}

	if err := m.RestartAll(context.Background()); err != nil {
		t.Fatalf("RestartAll() error = %v", err)
	}

	if len(m.ActiveServers()) != 0 {
		t.Error("Expected no active servers right after RestartAll")
	}

	// Observation resumed; the next resolution starts a fresh instance.
	fresh, err := m.GetServer(context.Background(), sess.ID, true)
	if err != nil {
		t.Fatalf("GetServer() after RestartAll error = %v", err)
	}
	if fresh == nil || fresh == old {
		t.Error("Expected a fresh instance after RestartAll")
	}
}

func TestManager_OnProjectPathsChanged_StopsRemovedRoots(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app", "/work/lib")

	a := m.RegisterSession("/work/app/main.go")
	b := m.RegisterSession("/work/lib/lib.go")
	instA, _ := m.GetServer(context.Background(), a.ID, true)
	instB, _ := m.GetServer(context.Background(), b.ID, true)

	m.OnProjectPathsChanged(context.Background(), []string{"/work/app"})

	if !instB.Process.(*fakeHandle).killed.Load() {
		t.Error("Server for removed root should be stopped")
	}
	if instA.Process.(*fakeHandle).killed.Load() {
		t.Error("Server for surviving root should keep running")
	}

	active := m.ActiveServers()
	if len(active) != 1 || active[0] != instA {
		t.Errorf("Expected only the surviving instance to stay active")
	}
}

func TestManager_Terminate(t *testing.T) {
	starter := &fakeStarter{}
	m := newTestManager(t, starter, "/work/app")

	// Stage an instance in the stopping set directly.
	h := newFakeHandle("p")
	inst := NewServerInstance("/work/app", h, nil, nil)
	m.mu.Lock()
	m.stopping[h.ID()] = inst
	m.mu.Unlock()

	m.Terminate()

	if !h.killed.Load() {
		t.Error("Terminate should kill instances mid-teardown")
	}
}

func TestManager_OnFilesChanged(t *testing.T) {
	// The instance needs a live Conn to receive the forwarded batch.
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()
	conn := NewConn(serverToClient.reader, clientToServer.writer, nil, nil)
	conn.Start(context.Background())
	defer conn.Dispose()

	inst := NewServerInstance("/work/app", newFakeHandle("p"), conn, nil)

	m := NewManager((&fakeStarter{}).start)
	m.StartListening()
	m.OnProjectPathsChanged(context.Background(), []string{"/work/app"})
	m.mu.Lock()
	m.active[inst.ProjectPath] = inst
	m.mu.Unlock()

	notifications := make(chan Request, 1)
	go func() {
		r := bufio.NewReader(clientToServer.reader)
		for {
			data, err := readFramed(r)
			if err != nil {
				return
			}
			var req Request
			json.Unmarshal(data, &req)
			notifications <- req
		}
	}()

	m.OnFilesChanged(context.Background(), []FileChange{
		{Path: "/work/app/a.go", Action: FileActionModified},
		{Path: "/elsewhere/b.go", Action: FileActionModified},
	})

	select {
	case req := <-notifications:
		if req.Method != MethodDidChangeWatchedFiles {
			t.Errorf("Expected %s, got %s", MethodDidChangeWatchedFiles, req.Method)
		}
		raw, _ := json.Marshal(req.Params)
		var params DidChangeWatchedFilesParams
		json.Unmarshal(raw, &params)
		if len(params.Changes) != 1 {
			t.Fatalf("Expected 1 routed change, got %d", len(params.Changes))
		}
		if params.Changes[0].URI != FilePathToURI("/work/app/a.go") {
			t.Errorf("Wrong URI routed: %s", params.Changes[0].URI)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for didChangeWatchedFiles")
	}

	// A batch with nothing under the root sends nothing.
	m.OnFilesChanged(context.Background(), []FileChange{
		{Path: "/elsewhere/c.go", Action: FileActionCreated},
	})
	select {
	case req := <-notifications:
		t.Errorf("Unexpected notification for empty batch: %s", req.Method)
	case <-time.After(100 * time.Millisecond):
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/langhost/internal/config"
	"github.com/dshills/langhost/internal/logging"
	"github.com/dshills/langhost/internal/lsp"
	"github.com/dshills/langhost/internal/watch"
)

// initializeTimeout bounds the initialize handshake with a fresh server.
const initializeTimeout = 15 * time.Second

// host ties the manager, watcher, and configuration together for one
// process lifetime.
type host struct {
	cfg    config.Config
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	manager *lsp.Manager
	watcher *watch.Watcher
}

// newHost builds the wired host. Roots are observed immediately; servers
// start on demand when sessions resolve.
func newHost(cfg config.Config, logger *logging.Logger, roots []string) (*host, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &host{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	h.manager = lsp.NewManager(h.startServer,
		lsp.WithLogger(logger),
		lsp.WithRestartLimit(cfg.Restart.Limit),
		lsp.WithRestartWindow(time.Duration(cfg.Restart.WindowSeconds)*time.Second),
		lsp.WithEligibility(func(s *lsp.Session) bool {
			_, ok := cfg.ServerFor(s.Path)
			return ok
		}),
		lsp.WithWatchFilter(func(path string) bool {
			_, ok := cfg.ServerFor(path)
			return ok
		}),
	)

	watcher, err := watch.New(h.manager.OnFilesChanged, logger,
		watch.WithDebounce(time.Duration(cfg.Watch.DebounceMS)*time.Millisecond),
		watch.WithIgnoreDirs(cfg.Watch.IgnoreDirs),
		watch.WithIgnoreHidden(cfg.Watch.IgnoreHidden),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("resolve root %s: %w", root, err)
		}
		absRoots = append(absRoots, abs)
		if err := watcher.WatchRoot(abs); err != nil {
			h.close()
			return nil, fmt.Errorf("watch root %s: %w", abs, err)
		}
	}

	h.manager.OnProjectPathsChanged(ctx, absRoots)
	if err := h.manager.StartListening(); err != nil {
		h.close()
		return nil, err
	}

	return h, nil
}

// openFiles registers a session per file and resolves servers for them,
// warming up the instances the user will need first.
func (h *host) openFiles(files []string) {
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			h.logger.WithField("file", file).Warn("resolve path: %v", err)
			continue
		}
		sess := h.manager.RegisterSession(abs)
		inst, err := h.manager.GetServer(h.ctx, sess.ID, true)
		if err != nil {
			h.logger.WithField("file", abs).Warn("resolve server: %v", err)
			continue
		}
		if inst == nil {
			h.logger.WithField("file", abs).Debug("no server for file")
		}
	}
}

// restartAll tears down every server and resumes observation.
func (h *host) restartAll() {
	if err := h.manager.RestartAll(h.ctx); err != nil {
		h.logger.Warn("restart all: %v", err)
	}
}

// shutdown performs the graceful exit path.
func (h *host) shutdown() {
	if err := h.manager.StopAll(h.ctx); err != nil {
		h.logger.Warn("stop all: %v", err)
	}
	h.close()
}

// terminate is the second-signal path: kill whatever is still alive.
func (h *host) terminate() {
	h.manager.Terminate()
	h.close()
}

func (h *host) close() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
	h.cancel()
}

// startServer is the manager's StartFunc: spawn, connect, handshake.
func (h *host) startServer(ctx context.Context, projectPath string) (*lsp.ServerInstance, error) {
	srv, err := h.serverForRoot(projectPath)
	if err != nil {
		return nil, err
	}

	proc, err := lsp.StartCommand(lsp.Command{
		Path: srv.Command,
		Args: srv.Args,
		Env:  srv.Env,
		Dir:  projectPath,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", srv.Command, err)
	}

	go h.drainStderr(projectPath, proc.Stderr())

	// The connection outlives the resolving request; its read loop is
	// bound to the host lifetime.
	conn := lsp.NewConn(proc.Stdout(), proc.Stdin(), nil, h.logger)
	conn.Start(h.ctx)

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	rootPath := strings.TrimSuffix(projectPath, string(filepath.Separator))
	result, err := conn.Initialize(initCtx, lsp.InitializeParams{
		ProcessID:    os.Getpid(),
		RootPath:     rootPath,
		RootURI:      lsp.FilePathToURI(rootPath),
		Capabilities: json.RawMessage(`{}`),
	})
	if err != nil {
		_ = conn.Dispose()
		_ = proc.Kill()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := conn.Initialized(ctx); err != nil {
		_ = conn.Dispose()
		_ = proc.Kill()
		return nil, fmt.Errorf("initialized: %w", err)
	}

	inst := lsp.NewServerInstance(projectPath, proc, conn, result.Capabilities)
	conn.OnClose(func() {
		go h.onServerExit(inst)
	})
	return inst, nil
}

// serverForRoot picks the configured server whose root marker exists in
// the project root. A single configured server matches unconditionally.
func (h *host) serverForRoot(projectPath string) (config.ServerConfig, error) {
	if len(h.cfg.Servers) == 1 {
		for _, srv := range h.cfg.Servers {
			return srv, nil
		}
	}
	for _, srv := range h.cfg.Servers {
		for _, marker := range srv.RootMarkers {
			if _, err := os.Stat(filepath.Join(projectPath, marker)); err == nil {
				return srv, nil
			}
		}
	}
	return config.ServerConfig{}, fmt.Errorf("no server configured for %s", projectPath)
}

// onServerExit handles a connection that closed underneath us. A
// deliberate stop removes the instance from the registry first, so a
// still-registered instance means the server died on its own.
func (h *host) onServerExit(inst *lsp.ServerInstance) {
	crashed := false
	for _, active := range h.manager.ActiveServers() {
		if active == inst {
			crashed = true
			break
		}
	}
	if !crashed {
		return
	}

	h.logger.WithField("project", inst.ProjectPath).Warn("server exited unexpectedly")

	if err := h.manager.StopServer(h.ctx, inst); err != nil {
		h.logger.WithField("project", inst.ProjectPath).Debug("cleanup after crash: %v", err)
	}

	if h.manager.HasReachedRestartLimit(inst) {
		h.logger.WithField("project", inst.ProjectPath).Error("restart budget exhausted, leaving server down")
		return
	}

	if _, err := h.manager.StartServer(h.ctx, inst.ProjectPath); err != nil {
		h.logger.WithField("project", inst.ProjectPath).Error("restart failed: %v", err)
	}
}

// drainStderr forwards server diagnostics to the host log line by line.
func (h *host) drainStderr(projectPath string, stderr io.ReadCloser) {
	if stderr == nil {
		return
	}
	log := h.logger.WithComponent("server.stderr").WithField("project", projectPath)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			log.Debug("%s", line)
		}
	}
}

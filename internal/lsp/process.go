package lsp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// Handle is the capability surface of a running server process. Modeling
// the process as a capability object rather than a concrete OS type lets
// tests substitute an in-process fake for the native subprocess.
type Handle interface {
	// ID is a stable unique identifier for this process.
	ID() string

	// PID returns the operating-system process id, or -1 if unavailable.
	PID() int

	// Stdin provides write access to the process's stdin.
	Stdin() io.WriteCloser

	// Stdout provides read access to the process's stdout.
	Stdout() io.ReadCloser

	// Stderr provides read access to the process's stderr.
	Stderr() io.ReadCloser

	// Kill terminates the process immediately.
	Kill() error

	// Done returns a channel closed when the process exits.
	Done() <-chan struct{}
}

// Command describes how to spawn a server executable.
type Command struct {
	// Path is the executable to run.
	Path string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// Dir is the working directory, typically the project root.
	Dir string
}

// execHandle is the native-subprocess implementation of Handle.
type execHandle struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	done     chan struct{}
	waitOnce sync.Once

	mu      sync.Mutex
	exitErr error
}

// StartCommand spawns the given command with piped stdio and begins
// tracking its exit.
func StartCommand(command Command) (Handle, error) {
	cmd := exec.Command(command.Path, command.Args...)

	cmd.Env = os.Environ()
	for k, v := range command.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if command.Dir != "" {
		cmd.Dir = command.Dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	h := &execHandle{
		id:     uuid.New().String(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go h.waitLoop()

	return h, nil
}

func (h *execHandle) ID() string { return h.id }

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *execHandle) Stderr() io.ReadCloser { return h.stderr }

// Kill terminates the process immediately.
func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return ErrProcessNotStarted
	}
	return h.cmd.Process.Kill()
}

// Done returns a channel closed when the process exits.
func (h *execHandle) Done() <-chan struct{} { return h.done }

// ExitError returns any error from waiting on the process.
func (h *execHandle) ExitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// waitLoop waits for the process to exit and records the outcome.
func (h *execHandle) waitLoop() {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()

		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()

		close(h.done)
	})
}

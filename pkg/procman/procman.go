// Package procman supervises session backends running as local child
// processes: the non-containerized deployment variant. A backend is
// started under the session user's system identity, its output streams are
// handed to the caller, and termination is graceful-then-forced with a
// short grace window.
package procman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultKillGrace is how long a backend gets to exit after SIGTERM
// before the force-kill helper steps in.
const DefaultKillGrace = 3 * time.Second

// Spec describes one backend process.
type Spec struct {
	// Command is the fully expanded argv. Must be non-empty.
	Command []string

	// Username is the system user to run as. Requires RunAsUser.
	Username string

	// RunAsUser wraps the command in non-interactive sudo so the backend
	// runs with the session user's identity and filesystem access.
	RunAsUser bool

	// Dir is the working directory. Optional.
	Dir string

	// Env entries are appended to the child's environment, "KEY=VALUE".
	Env []string

	// Stdout and Stderr receive the backend's output streams. Optional.
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor starts and stops backend processes.
type Supervisor struct {
	killGrace time.Duration
	logger    *slog.Logger
}

// NewSupervisor builds a supervisor. A non-positive grace falls back to
// DefaultKillGrace.
func NewSupervisor(killGrace time.Duration, logger *slog.Logger) *Supervisor {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{killGrace: killGrace, logger: logger}
}

// Process is a running backend.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	grace  time.Duration

	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Start launches the backend described by spec. The returned process is
// already being waited on; Done is closed when it exits.
func (s *Supervisor) Start(spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("process spec has no command")
	}

	argv := spec.Command
	if spec.RunAsUser {
		if spec.Username == "" {
			return nil, errors.New("run-as-user requires a username")
		}
		argv = append([]string{"sudo", "-n", "-u", spec.Username, "--"}, argv...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	// Own process group so termination reaches the whole backend tree,
	// not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend process: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		logger: s.logger.With("pid", cmd.Process.Pid),
		grace:  s.killGrace,
		done:   make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Running reports whether the process is still alive.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the wait error after Done is closed; nil means a clean
// exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop terminates the process: SIGTERM to the process group, then SIGKILL
// if it has not exited within the grace window. Stop returns once the
// process is gone or ctx expires.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pgid := -p.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("failed to signal backend process group", "error", err)
	}

	graceTimer := time.NewTimer(p.grace)
	defer graceTimer.Stop()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-graceTimer.C:
	}

	// Grace exceeded: force kill.
	p.logger.Warn("backend did not exit within grace window, force killing")
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to force kill backend: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

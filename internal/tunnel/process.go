package tunnel

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Process is a started external command.
type Process interface {
	// Start starts the process but does not wait for it to complete.
	Start() error
	// Wait waits for the process to exit and returns the error.
	Wait() error
	// Kill terminates the process group.
	Kill() error
	// Stderr returns a reader from the process's stderr.
	Stderr() io.ReadCloser
}

// Spec describes a command to run.
type Spec struct {
	Name string
	Args []string
	// Env is appended to the current environment.
	Env []string
}

// ProcessExecutor creates processes for execution.
type ProcessExecutor interface {
	CreateProcess(ctx context.Context, spec Spec) (Process, error)
}

// RealExecutor implements ProcessExecutor using os/exec.
type RealExecutor struct{}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// CreateProcess creates a process in its own process group so that ssh and
// any ProxyJump children are killed together.
func (e *RealExecutor) CreateProcess(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
	cmd.WaitDelay = 5 * time.Second

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	return &realProcess{cmd: cmd, stderr: stderr}, nil
}

type realProcess struct {
	cmd    *exec.Cmd
	stderr io.ReadCloser
}

func (p *realProcess) Start() error {
	return p.cmd.Start()
}

func (p *realProcess) Wait() error {
	return p.cmd.Wait()
}

// Kill sends SIGTERM to the whole process group.
func (p *realProcess) Kill() error {
	return killGroup(p.cmd.Process)
}

func (p *realProcess) Stderr() io.ReadCloser {
	return p.stderr
}

func killGroup(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	// Negative pid targets the group created by Setpgid.
	if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// exitCode extracts the exit status from a Wait error; -1 when unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

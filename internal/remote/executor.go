package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/profile"
)

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited with status 0.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Executor runs shell commands on the last hop of a chain. A non-zero exit
// status is reported in Result, not as an error.
type Executor interface {
	Execute(ctx context.Context, chain profile.Chain, command string, timeout time.Duration) (*Result, error)
}

// SSHExecutor implements Executor with a fresh SSH connection per command.
type SSHExecutor struct {
	dialer *Dialer
}

// NewSSHExecutor creates an executor using dialer.
func NewSSHExecutor(dialer *Dialer) *SSHExecutor {
	return &SSHExecutor{dialer: dialer}
}

// Execute runs command on chain.Target(). When timeout elapses the session
// and connection are torn down and a failure.KindTimeout error is returned.
func (e *SSHExecutor) Execute(ctx context.Context, chain profile.Chain, command string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := e.dialer.Dial(ctx, chain)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return Run(ctx, client, command)
}

// Run executes command in a new session on client. Cancelling ctx closes
// the session and the client.
func Run(ctx context.Context, client *ssh.Client, command string) (*Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Close()
		client.Close()
		<-done
		slog.Debug("Remote command aborted", "command", command, "error", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failure.Timeout("execute", fmt.Errorf("command %q timed out: %w", command, ctx.Err()))
		}
		return nil, fmt.Errorf("execute %q: %w", command, ctx.Err())
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return nil, failure.New(failure.KindNetwork, "execute", runErr)
}

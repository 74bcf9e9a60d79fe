package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/keyring"
	"github.com/perfectssh/perfectssh/internal/profile"
)

const (
	stderrKeepLines  = 50
	readyPollEvery   = 100 * time.Millisecond
	serverAliveEvery = 15
)

// SecretResolver turns a hop credential into authentication material.
type SecretResolver interface {
	Resolve(cred profile.Credential) (keyring.Secret, error)
}

// CommandOptions configures a CommandLauncher.
type CommandOptions struct {
	SSHPath        string
	SSHPassPath    string
	KnownHostsFile string
	// StrictHostKeys maps to StrictHostKeyChecking=yes; otherwise accept-new.
	StrictHostKeys bool
	ConnectTimeout time.Duration
	HealthTimeout  time.Duration
	Resolver       SecretResolver
}

// CommandLauncher runs the OpenSSH client as a dynamic (-D) forward on an
// internal loopback port and relays the user's local port to it.
type CommandLauncher struct {
	opts     CommandOptions
	executor ProcessExecutor
}

// NewCommandLauncher creates a launcher running real processes.
func NewCommandLauncher(opts CommandOptions) *CommandLauncher {
	return NewCommandLauncherWithExecutor(opts, NewRealExecutor())
}

// NewCommandLauncherWithExecutor creates a launcher with a custom executor.
// This is primarily used for testing.
func NewCommandLauncherWithExecutor(opts CommandOptions, executor ProcessExecutor) *CommandLauncher {
	if opts.SSHPath == "" {
		opts.SSHPath = "ssh"
	}
	if opts.SSHPassPath == "" {
		opts.SSHPassPath = "sshpass"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 10 * time.Second
	}
	return &CommandLauncher{opts: opts, executor: executor}
}

// buildSpec constructs the ssh command line.
//
// SECURITY: passwords are passed to sshpass through the SSHPASS environment
// variable, never as arguments, since argv is visible to every user.
func (l *CommandLauncher) buildSpec(chain profile.Chain, innerPort int, compression bool) (Spec, error) {
	target := chain.Target()
	targetSecret, err := l.resolve(target)
	if err != nil {
		return Spec{}, err
	}

	args := []string{
		"-N",
		"-D", net.JoinHostPort("127.0.0.1", strconv.Itoa(innerPort)),
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=" + strconv.Itoa(serverAliveEvery),
		"-o", "ServerAliveCountMax=3",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(l.opts.ConnectTimeout.Seconds())),
	}
	if l.opts.StrictHostKeys {
		args = append(args, "-o", "StrictHostKeyChecking=yes")
	} else {
		args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	}
	if l.opts.KnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+l.opts.KnownHostsFile)
	}
	if compression {
		args = append(args, "-C")
	}

	secrets := []keyring.Secret{targetSecret}
	if len(chain) > 1 {
		jumps := make([]string, 0, len(chain)-1)
		for _, hop := range chain[:len(chain)-1] {
			s, err := l.resolve(hop)
			if err != nil {
				return Spec{}, err
			}
			secrets = append(secrets, s)
			jumps = append(jumps, hop.String())
		}
		args = append(args, "-J", strings.Join(jumps, ","))
	}
	if targetSecret.KeyPath != "" {
		args = append(args, "-i", targetSecret.KeyPath)
	}
	args = append(args, "-p", strconv.Itoa(target.Port), target.User+"@"+target.Host)

	// sshpass answers a single kind of prompt, so every hop that needs one
	// must share the same secret.
	var prompt, secret string
	for _, s := range secrets {
		var p, v string
		switch {
		case s.KeyPath != "" && s.Passphrase != "":
			p, v = "passphrase", s.Passphrase
		case s.KeyPath == "" && s.Password != "":
			p, v = "assword", s.Password
		default:
			continue
		}
		if secret != "" && (p != prompt || v != secret) {
			return Spec{}, failure.Configf("openssh client", "hops need different passwords; use the library client or key authentication")
		}
		prompt, secret = p, v
	}

	if secret == "" {
		return Spec{Name: l.opts.SSHPath, Args: args}, nil
	}
	passArgs := []string{"-e"}
	if prompt == "passphrase" {
		passArgs = append(passArgs, "-P", prompt)
	}
	passArgs = append(passArgs, l.opts.SSHPath)
	return Spec{
		Name: l.opts.SSHPassPath,
		Args: append(passArgs, args...),
		Env:  []string{"SSHPASS=" + secret},
	}, nil
}

func (l *CommandLauncher) resolve(hop profile.ServerProfile) (keyring.Secret, error) {
	if l.opts.Resolver == nil {
		return keyring.Secret{Password: hop.Password, KeyPath: hop.KeyPath, Passphrase: hop.Passphrase}, nil
	}
	s, err := l.opts.Resolver.Resolve(hop.Credential)
	if err != nil {
		return keyring.Secret{}, failure.New(failure.KindConfig, "resolve credential for "+hop.String(), err)
	}
	return s, nil
}

// Start launches ssh, waits until its dynamic forward accepts connections and
// a SOCKS request to the target's sshd succeeds, then starts relaying
// localPort.
func (l *CommandLauncher) Start(ctx context.Context, chain profile.Chain, localPort int, compression bool) (Handle, error) {
	ln, err := listenLocal(localPort)
	if err != nil {
		return nil, err
	}

	innerPort, err := freePort()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to reserve internal port: %w", err)
	}

	spec, err := l.buildSpec(chain, innerPort, compression)
	if err != nil {
		ln.Close()
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc, err := l.executor.CreateProcess(procCtx, spec)
	if err != nil {
		cancel()
		ln.Close()
		return nil, fmt.Errorf("failed to create process: %w", err)
	}
	if err := proc.Start(); err != nil {
		cancel()
		ln.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	slog.Debug("Started ssh client", "command", spec.Name, "port", innerPort)

	h := &commandHandle{
		proc:      proc,
		cancel:    cancel,
		listener:  ln,
		localPort: localPort,
		innerAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(innerPort)),
		target:    chain.Target(),
		timeout:   l.opts.HealthTimeout,
		stderrEOF: make(chan struct{}),
		exited:    make(chan struct{}),
	}
	h.relay = newRelayServer(h.innerAddr, &h.counters)
	h.lifecycle = newLifecycle(h.teardown)

	go h.readStderr()
	go h.wait()

	if err := h.waitReady(ctx, l.opts.ConnectTimeout); err != nil {
		h.lifecycle.finish(err)
		<-h.stderrEOF
		return nil, h.startError(err)
	}

	go h.relay.serve(procCtx, ln)
	slog.Info("Tunnel started", "chain", chain.String(), "port", localPort, "client", "openssh")
	return h, nil
}

// Probe starts a throwaway tunnel on a free port and stops it again.
func (l *CommandLauncher) Probe(ctx context.Context, chain profile.Chain) error {
	port, err := freePort()
	if err != nil {
		return err
	}
	h, err := l.Start(ctx, chain, port, false)
	if err != nil {
		return err
	}
	return h.Stop()
}

type commandHandle struct {
	*lifecycle
	counters  Counters
	proc      Process
	cancel    context.CancelFunc
	listener  net.Listener
	relay     *relayServer
	localPort int
	innerAddr string
	target    profile.ServerProfile
	timeout   time.Duration

	mu        sync.Mutex
	stderr    []string
	events    []*OutputEvent
	stderrEOF chan struct{}
	exited    chan struct{}
	waitErr   error
}

func (h *commandHandle) BytesIn() uint64  { return h.counters.BytesIn() }
func (h *commandHandle) BytesOut() uint64 { return h.counters.BytesOut() }
func (h *commandHandle) LocalPort() int   { return h.localPort }

// IsHealthy checks that the process is alive and a SOCKS request through it
// reaches the target's sshd.
func (h *commandHandle) IsHealthy(ctx context.Context) bool {
	if h.lifecycle.stopped() {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
	}
	return socksProbe(ctx, h.innerAddr, h.target.Port, h.timeout) == nil
}

// Events returns the parsed stderr events seen so far.
func (h *commandHandle) Events() []*OutputEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*OutputEvent(nil), h.events...)
}

func (h *commandHandle) readStderr() {
	defer close(h.stderrEOF)
	scanner := bufio.NewScanner(h.proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("ssh", "line", line)

		h.mu.Lock()
		h.stderr = append(h.stderr, line)
		if len(h.stderr) > stderrKeepLines {
			h.stderr = h.stderr[len(h.stderr)-stderrKeepLines:]
		}
		event := ParseLine(line)
		if event != nil {
			h.events = append(h.events, event)
		}
		h.mu.Unlock()

		if event != nil && event.Type != EventAuthenticated {
			slog.Warn("ssh reported a problem", "event", event.Type, "message", event.Message)
		}
	}
}

func (h *commandHandle) wait() {
	err := h.proc.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.exited)

	if !h.lifecycle.stopped() {
		<-h.stderrEOF
		h.lifecycle.finish(h.startError(errors.New("ssh client exited")))
	}
}

func (h *commandHandle) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPollEvery)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", h.innerAddr, readyPollEvery)
		if err == nil {
			conn.Close()
			break
		}
		select {
		case <-h.exited:
			return errors.New("ssh client exited")
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return failure.Timeout("start tunnel", ctx.Err())
			}
			return ctx.Err()
		case <-deadline.C:
			return failure.Timeout("start tunnel", errors.New("connection timed out waiting for forward"))
		case <-ticker.C:
		}
	}

	if err := socksProbe(ctx, h.innerAddr, h.target.Port, h.timeout); err != nil {
		return fmt.Errorf("forwarding check failed: %w", err)
	}
	return nil
}

// startError builds a StartError from the process state and captured stderr.
func (h *commandHandle) startError(err error) *StartError {
	h.mu.Lock()
	defer h.mu.Unlock()
	code := 0
	select {
	case <-h.exited:
		code = exitCode(h.waitErr)
	default:
	}
	return &StartError{
		ExitCode: code,
		Stderr:   strings.Join(h.stderr, "\n"),
		Err:      err,
	}
}

func (h *commandHandle) teardown() error {
	h.listener.Close()
	err := h.proc.Kill()
	h.cancel()
	h.relay.closeAll()
	<-h.exited
	slog.Info("Tunnel stopped", "port", h.localPort)
	return err
}

// socksProbe asks the SOCKS server at addr to connect to the target's own
// sshd on loopback.
func socksProbe(ctx context.Context, addr string, sshPort int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return err
	}
	target := net.JoinHostPort("127.0.0.1", strconv.Itoa(sshPort))
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return errors.New("SOCKS dialer does not support contexts")
	}
	conn, err := ctxDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

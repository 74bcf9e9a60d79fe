package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/perfectssh/perfectssh/internal/profile"
)

// ClientDialer opens an SSH client through a hop chain.
type ClientDialer interface {
	Dial(ctx context.Context, chain profile.Chain) (*ssh.Client, error)
}

// SSHLauncher runs the tunnel in-process: a SOCKS5 listener on the local port
// whose connections are dialed through an x/crypto/ssh client.
type SSHLauncher struct {
	dialer        ClientDialer
	healthTimeout time.Duration
}

// NewSSHLauncher creates a launcher. healthTimeout bounds each health probe.
func NewSSHLauncher(dialer ClientDialer, healthTimeout time.Duration) *SSHLauncher {
	if healthTimeout <= 0 {
		healthTimeout = 10 * time.Second
	}
	return &SSHLauncher{dialer: dialer, healthTimeout: healthTimeout}
}

// Start binds the local port, connects the chain and verifies that the
// target accepts forwarded connections before returning.
func (l *SSHLauncher) Start(ctx context.Context, chain profile.Chain, localPort int, compression bool) (Handle, error) {
	if compression {
		slog.Warn("Compression is not supported by the built-in SSH client; continuing without it")
	}

	ln, err := listenLocal(localPort)
	if err != nil {
		return nil, err
	}

	client, err := l.dialer.Dial(ctx, chain)
	if err != nil {
		ln.Close()
		return nil, &StartError{ExitCode: 255, Stderr: err.Error(), Err: err}
	}

	h := &sshHandle{
		client:    client,
		listener:  ln,
		localPort: localPort,
		target:    chain.Target(),
		timeout:   l.healthTimeout,
	}
	h.socks = newSocksServer(client.DialContext, &h.counters)
	h.lifecycle = newLifecycle(h.teardown)

	if err := forwardCheck(ctx, client, chain.Target(), l.healthTimeout); err != nil {
		h.lifecycle.finish(err)
		return nil, &StartError{ExitCode: 255, Stderr: err.Error(), Err: err}
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.socks.serve(serveCtx, ln)
	go func() {
		err := client.Wait()
		if !h.lifecycle.stopped() {
			slog.Warn("SSH connection closed", "error", err)
			if err == nil {
				err = fmt.Errorf("connection to %s closed", chain.Target().Address())
			}
			h.lifecycle.finish(err)
		}
	}()

	slog.Info("Tunnel started", "chain", chain.String(), "port", localPort)
	return h, nil
}

// Probe connects the chain and checks forwarding to the target's own sshd.
func (l *SSHLauncher) Probe(ctx context.Context, chain profile.Chain) error {
	client, err := l.dialer.Dial(ctx, chain)
	if err != nil {
		return err
	}
	defer client.Close()
	return forwardCheck(ctx, client, chain.Target(), l.healthTimeout)
}

// forwardCheck opens a direct-tcpip channel to the target's sshd on loopback.
// A server with forwarding disabled rejects it as administratively prohibited.
func forwardCheck(ctx context.Context, client *ssh.Client, target profile.ServerProfile, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(target.Port))
	conn, err := client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("forwarding check to %s failed: %w", addr, err)
	}
	conn.Close()
	return nil
}

type sshHandle struct {
	*lifecycle
	counters  Counters
	client    *ssh.Client
	listener  net.Listener
	socks     *socksServer
	cancel    context.CancelFunc
	localPort int
	target    profile.ServerProfile
	timeout   time.Duration
}

func (h *sshHandle) BytesIn() uint64  { return h.counters.BytesIn() }
func (h *sshHandle) BytesOut() uint64 { return h.counters.BytesOut() }
func (h *sshHandle) LocalPort() int   { return h.localPort }

// IsHealthy sends a keepalive and re-runs the forwarding check.
func (h *sshHandle) IsHealthy(ctx context.Context) bool {
	if h.lifecycle.stopped() {
		return false
	}
	if _, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return false
	}
	return forwardCheck(ctx, h.client, h.target, h.timeout) == nil
}

func (h *sshHandle) teardown() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.listener.Close()
	err := h.client.Close()
	h.socks.closeAll()
	slog.Info("Tunnel stopped", "port", h.localPort)
	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

// Package remote opens SSH connections through a chain of hops and runs
// commands on the last one.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/keyring"
	"github.com/perfectssh/perfectssh/internal/profile"
)

const defaultConnectTimeout = 15 * time.Second

// SecretResolver turns a hop credential into authentication material.
type SecretResolver interface {
	Resolve(cred profile.Credential) (keyring.Secret, error)
}

// Options configures a Dialer.
type Options struct {
	// ConnectTimeout bounds TCP connect plus SSH handshake for each hop.
	ConnectTimeout time.Duration
	HostKeys       *HostKeyStore
	Resolver       SecretResolver
	// KeepaliveInterval, when positive, sends keepalive@openssh.com requests
	// on the final client until it closes.
	KeepaliveInterval time.Duration
}

// Dialer opens SSH clients through a profile.Chain.
type Dialer struct {
	opts   Options
	dialFn func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer creates a dialer. A nil HostKeys store rejects every host.
func NewDialer(opts Options) *Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	d := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &Dialer{opts: opts, dialFn: d.DialContext}
}

// Dial connects to every hop in order, each one through the previous, and
// returns the client for the last hop. Closing it closes the intermediate
// clients as well.
func (d *Dialer) Dial(ctx context.Context, chain profile.Chain) (*ssh.Client, error) {
	if len(chain) == 0 {
		return nil, failure.Configf("dial", "empty hop chain")
	}

	var clients []*ssh.Client
	closeAll := func() {
		for i := len(clients) - 1; i >= 0; i-- {
			clients[i].Close()
		}
	}

	for i, hop := range chain {
		var conn net.Conn
		var err error
		addr := hop.Address()

		if i == 0 {
			conn, err = d.dialFn(ctx, "tcp", addr)
		} else {
			conn, err = clients[i-1].DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			closeAll()
			return nil, d.classifyDialErr(ctx, addr, err)
		}

		client, err := d.handshake(ctx, conn, hop)
		if err != nil {
			conn.Close()
			closeAll()
			return nil, err
		}
		clients = append(clients, client)
		slog.Debug("SSH hop connected", "hop", i+1, "address", addr)
	}

	final := clients[len(clients)-1]
	if len(clients) > 1 {
		intermediate := clients[:len(clients)-1]
		go func() {
			final.Wait()
			for i := len(intermediate) - 1; i >= 0; i-- {
				intermediate[i].Close()
			}
		}()
	}
	if d.opts.KeepaliveInterval > 0 {
		go keepalive(final, d.opts.KeepaliveInterval)
	}
	return final, nil
}

func (d *Dialer) handshake(ctx context.Context, conn net.Conn, hop profile.ServerProfile) (*ssh.Client, error) {
	addr := hop.Address()

	auth, err := d.authMethods(hop)
	if err != nil {
		return nil, err
	}

	var hostKeyErr error
	cfg := &ssh.ClientConfig{
		User: hop.User,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = d.opts.HostKeys.Check(hostname, remote, key)
			return hostKeyErr
		},
		Timeout: d.opts.ConnectTimeout,
	}

	deadline := time.Now().Add(d.opts.ConnectTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		switch {
		case hostKeyErr != nil:
			return nil, hostKeyErr
		case ctx.Err() != nil:
			return nil, d.classifyDialErr(ctx, addr, err)
		case isAuthErr(err):
			return nil, failure.New(failure.KindAuth, "ssh handshake with "+addr, err)
		default:
			return nil, d.classifyDialErr(ctx, addr, err)
		}
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// classifyDialErr keeps the original message intact so diagnostics can match on it.
func (d *Dialer) classifyDialErr(ctx context.Context, addr string, err error) error {
	op := "dial " + addr
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Timeout(op, fmt.Errorf("connection timed out: %w", err))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.Timeout(op, fmt.Errorf("connection timed out: %w", err))
	}
	return failure.New(failure.KindNetwork, op, err)
}

func isAuthErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

func keepalive(client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	closed := make(chan struct{})
	go func() {
		client.Wait()
		close(closed)
	}()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				slog.Warn("SSH keepalive failed, closing connection", "error", err)
				client.Close()
				return
			}
		}
	}
}

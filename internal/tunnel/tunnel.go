// Package tunnel starts and supervises the local forwarding endpoint that
// carries traffic through one or two SSH hops.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/profile"
)

// Launcher starts tunnels.
type Launcher interface {
	// Start blocks until the tunnel is healthy or has failed.
	Start(ctx context.Context, chain profile.Chain, localPort int, compression bool) (Handle, error)
	// Probe checks that the chain can carry forwarded traffic without
	// binding a local port.
	Probe(ctx context.Context, chain profile.Chain) error
}

// Handle is a running tunnel.
type Handle interface {
	// BytesIn returns bytes delivered from the remote side to local clients.
	BytesIn() uint64
	// BytesOut returns bytes sent by local clients to the remote side.
	BytesOut() uint64
	IsHealthy(ctx context.Context) bool
	// Stop tears the tunnel down and releases the local port. It is idempotent.
	Stop() error
	// Done is closed once the tunnel has gone away for any reason.
	Done() <-chan struct{}
	// Err reports why the tunnel went away; nil after Stop.
	Err() error
	LocalPort() int
}

// StartError describes a tunnel that failed to come up. Stderr carries the
// client's diagnostic output so it can be classified.
type StartError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StartError) Error() string {
	msg := "tunnel failed to start"
	if e.ExitCode != 0 {
		msg += " (exit " + strconv.Itoa(e.ExitCode) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" && (e.Err == nil || e.Stderr != e.Err.Error()) {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// listenLocal binds 127.0.0.1:port. A port already in use is a configuration
// problem, not something repair can fix.
func listenLocal(port int) (net.Listener, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, failure.Configf("listen", "local port %d is already in use", port)
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Counters tracks bytes relayed through a tunnel.
type Counters struct {
	in  atomic.Uint64
	out atomic.Uint64
}

func (c *Counters) BytesIn() uint64  { return c.in.Load() }
func (c *Counters) BytesOut() uint64 { return c.out.Load() }

// countingConn wraps a connection accepted from a local client: reads are
// outbound traffic and writes are inbound traffic.
type countingConn struct {
	net.Conn
	counters *Counters
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.counters.out.Add(uint64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.counters.in.Add(uint64(n))
	return n, err
}

// lifecycle implements Done/Err/Stop bookkeeping shared by handles.
type lifecycle struct {
	closing  atomic.Bool
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	teardown func() error
}

func newLifecycle(teardown func() error) *lifecycle {
	return &lifecycle{done: make(chan struct{}), teardown: teardown}
}

// finish records err and runs teardown exactly once.
func (l *lifecycle) finish(err error) error {
	var tdErr error
	l.closing.Store(true)
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		if l.teardown != nil {
			tdErr = l.teardown()
		}
		close(l.done)
	})
	return tdErr
}

func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) Stop() error {
	return l.finish(nil)
}

// stopped reports whether teardown has begun.
func (l *lifecycle) stopped() bool {
	return l.closing.Load()
}

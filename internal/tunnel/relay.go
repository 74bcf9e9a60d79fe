package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// connSet accepts connections and tracks them so they can be dropped together.
type connSet struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func (s *connSet) serve(ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("Accept failed", "address", ln.Addr().String(), "error", err)
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			handle(conn)
		}()
	}
}

// track registers conn and its handler. It reports false once closeAll has
// started.
func (s *connSet) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *connSet) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeAll drops every tracked connection and waits for handlers to exit.
// Connections accepted afterwards are closed immediately.
func (s *connSet) closeAll() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// relayServer forwards each accepted connection to a fixed address,
// counting the bytes that pass through.
type relayServer struct {
	connSet
	target   string
	counters *Counters
	timeout  time.Duration
}

func newRelayServer(target string, counters *Counters) *relayServer {
	return &relayServer{target: target, counters: counters, timeout: 10 * time.Second}
}

func (r *relayServer) serve(ctx context.Context, ln net.Listener) {
	r.connSet.serve(ln, func(conn net.Conn) {
		defer conn.Close()
		d := net.Dialer{Timeout: r.timeout}
		upstream, err := d.DialContext(ctx, "tcp", r.target)
		if err != nil {
			slog.Debug("Relay dial failed", "target", r.target, "error", err)
			return
		}
		pipe(&countingConn{Conn: conn, counters: r.counters}, upstream)
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

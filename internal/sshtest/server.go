// Package sshtest runs an in-process SSH server for tests. It answers exec
// requests from a scripted handler and optionally serves direct-tcpip
// channels, which is enough to exercise remote execution and tunnels without
// a real sshd.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecResult is the scripted reply to one exec request.
type ExecResult struct {
	Stdout string
	Stderr string
	Code   int
	// Delay holds the reply back, simulating a slow command.
	Delay time.Duration
}

// ExecHandler answers the command of an exec request.
type ExecHandler func(command string) ExecResult

// Server is an in-process SSH server listening on 127.0.0.1.
type Server struct {
	Addr    string
	Host    string
	Port    int
	HostKey ssh.Signer

	// Password is accepted for password and keyboard-interactive auth.
	Password string

	mu           sync.Mutex
	authorized   []ssh.PublicKey
	exec         ExecHandler
	allowForward bool
	commands     []string
	forwards     []string
	conns        []net.Conn
	closed       chan struct{}
	listener     net.Listener
	wg           sync.WaitGroup
}

// New starts a server that accepts password and no public keys, answers every
// command with exit code 0 and rejects forwarding. It is closed on test cleanup.
func New(t testing.TB, password string) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Addr:     listener.Addr().String(),
		Host:     host,
		Port:     port,
		HostKey:  hostKey,
		Password: password,
		exec:     func(string) ExecResult { return ExecResult{} },
		closed:   make(chan struct{}),
		listener: listener,
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// NewKeyPair returns a fresh ed25519 signer for client authentication.
func NewKeyPair(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// Authorize accepts key for public key auth.
func (s *Server) Authorize(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = append(s.authorized, key)
}

// HandleExec replaces the exec handler.
func (s *Server) HandleExec(h ExecHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = h
}

// AllowForwarding toggles direct-tcpip support.
func (s *Server) AllowForwarding(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowForward = allow
}

// Commands returns the commands executed so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Forwards returns the host:port targets of accepted direct-tcpip channels.
func (s *Server) Forwards() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.forwards...)
}

// DropConnections closes every accepted connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if s.Password != "" && string(pw) == s.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("permission denied")
		},
		KeyboardInteractiveCallback: func(_ ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if s.Password != "" && len(answers) == 1 && answers[0] == s.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("permission denied")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, k := range s.authorized {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, errors.New("unknown public key")
		},
	}
	cfg.AddHostKey(s.HostKey)
	return cfg
}

func (s *Server) serve() {
	defer s.wg.Done()
	cfg := s.config()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleConn(conn, cfg)
	}
}

func (s *Server) handleConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.handleSession(newChan)
		case "direct-tcpip":
			go s.handleDirect(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	ch, requests, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		handler := s.exec
		s.mu.Unlock()

		res := handler(payload.Command)
		if res.Delay > 0 {
			select {
			case <-time.After(res.Delay):
			case <-s.closed:
				return
			}
		}
		io.WriteString(ch, res.Stdout)
		io.WriteString(ch.Stderr(), res.Stderr)

		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, uint32(res.Code))
		ch.SendRequest("exit-status", false, status)
		return
	}
}

func (s *Server) handleDirect(newChan ssh.NewChannel) {
	s.mu.Lock()
	allow := s.allowForward
	s.mu.Unlock()
	if !allow {
		newChan.Reject(ssh.Prohibited, "open failed")
		return
	}

	var payload struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))

	upstream, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		upstream.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	s.mu.Lock()
	s.forwards = append(s.forwards, target)
	s.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, ch)
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ch, upstream)
		ch.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	upstream.Close()
}

// Package server provides the UNIX socket server of the perfectssh daemon.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/perfectssh/perfectssh/internal/control/protocol"
	"github.com/perfectssh/perfectssh/internal/logging"
)

const (
	// maxMessageSize bounds one NDJSON request line.
	maxMessageSize = 64 * 1024
	// maxConcurrentClients bounds the connections served at once.
	maxConcurrentClients = 16
	// writeTimeout bounds one message write. Events are broadcast from
	// connection manager callbacks, so a stalled client must not block them.
	writeTimeout = 5 * time.Second
)

// RequestHandler is called for each incoming request.
// It should return a response to send back to the client.
type RequestHandler func(req *protocol.Request) *protocol.Response

// Server manages client connections over a UNIX socket.
type Server struct {
	socketPath  string
	socketGroup string
	listener    net.Listener
	handler     RequestHandler
	log         *slog.Logger

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	running  bool
	starting bool // guards against a concurrent Start
}

// NewServer creates a server whose socket keeps the daemon's group.
func NewServer(socketPath string, handler RequestHandler) *Server {
	return NewServerWithGroup(socketPath, "", handler)
}

// NewServerWithGroup creates a server whose socket is chowned to socketGroup.
// Panics if handler is nil.
func NewServerWithGroup(socketPath, socketGroup string, handler RequestHandler) *Server {
	if handler == nil {
		panic("server: NewServerWithGroup called with nil handler")
	}
	return &Server{
		socketPath:  socketPath,
		socketGroup: socketGroup,
		handler:     handler,
		log:         logging.Component("control"),
		clients:     make(map[*Client]struct{}),
	}
}

// Start begins listening for connections.
// Returns an error if the server is already running or starting.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.starting = true
	s.mu.Unlock()

	clearStarting := func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		clearStarting()
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		clearStarting()
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		clearStarting()
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := s.setSocketOwnership(); err != nil {
		if closeErr := listener.Close(); closeErr != nil {
			s.log.Error("Failed to close listener after ownership error", "error", closeErr)
		}
		clearStarting()
		return fmt.Errorf("failed to set socket ownership: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		if closeErr := listener.Close(); closeErr != nil {
			s.log.Error("Failed to close listener after chmod error", "error", closeErr)
		}
		clearStarting()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.starting = false
	s.mu.Unlock()

	s.log.Info("Server started", "socket", s.socketPath, "group", s.socketGroup)

	go s.acceptLoop(listener)

	return nil
}

func (s *Server) setSocketOwnership() error {
	if s.socketGroup == "" {
		return nil
	}

	grp, err := user.LookupGroup(s.socketGroup)
	if err != nil {
		return fmt.Errorf("group %q not found: %w", s.socketGroup, err)
	}

	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q: %w", grp.Gid, err)
	}

	// -1 keeps the owner.
	if err := os.Chown(s.socketPath, -1, gid); err != nil {
		return fmt.Errorf("failed to chown socket: %w", err)
	}

	s.log.Debug("Socket group ownership set", "group", s.socketGroup, "gid", gid)
	return nil
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener

	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			s.log.Error("Failed to close listener", "error", err)
		}
	}

	for _, client := range clients {
		if err := client.Close(); err != nil {
			s.log.Warn("Failed to close client connection", "error", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("Failed to remove socket file", "path", s.socketPath, "error", err)
	}

	s.log.Info("Server stopped")
	return nil
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(event *protocol.Event) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		if err := client.SendEvent(event); err != nil {
			// The read side notices the closed connection and removes the client.
			s.log.Warn("Dropping client after failed event write", "event", event.Name, "error", err)
			_ = client.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Accept error", "error", err)
			continue
		}

		client := newClient(conn)
		if !s.addClient(client) {
			s.log.Warn("Rejecting client: too many connections", "max", maxConcurrentClients)
			if err := conn.Close(); err != nil {
				s.log.Debug("Failed to close rejected connection", "error", err)
			}
			continue
		}
		go s.handleClient(client)
	}
}

func (s *Server) addClient(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= maxConcurrentClients {
		return false
	}
	s.clients[client] = struct{}{}
	s.log.Debug("Client connected", "clients", len(s.clients))
	return true
}

func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, client)
	s.log.Debug("Client disconnected", "clients", len(s.clients))
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		if err := client.Close(); err != nil {
			s.log.Debug("Failed to close client connection", "error", err)
		}
		s.removeClient(client)
	}()

	scanner := bufio.NewScanner(client.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("Invalid request", "error", err)
			resp := protocol.NewErrorResponse("", protocol.ErrCodeInvalidRequest, "invalid JSON")
			if err := client.SendResponse(resp); err != nil {
				s.log.Warn("Failed to send error response", "error", err)
			}
			continue
		}

		resp := s.handler(&req)
		if err := client.SendResponse(resp); err != nil {
			s.log.Error("Failed to send response", "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			resp := protocol.NewErrorResponse("", protocol.ErrCodeMessageTooLarge, "message too large")
			if sendErr := client.SendResponse(resp); sendErr != nil {
				s.log.Debug("Failed to send error response", "error", sendErr)
			}
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			s.log.Error("Read error", "error", err)
		}
	}
}

// Client represents a connected client.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

func newClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// SendResponse sends a response to the client.
func (c *Client) SendResponse(resp *protocol.Response) error {
	return c.sendJSON(resp)
}

// SendEvent sends an event to the client.
func (c *Client) SendEvent(event *protocol.Event) error {
	return c.sendJSON(event)
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

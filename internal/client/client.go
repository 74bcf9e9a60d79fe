// Package client talks to a running perfectssh daemon over its control socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perfectssh/perfectssh/internal/control/protocol"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
)

// DefaultTimeout for RPC calls.
const DefaultTimeout = 30 * time.Second

// ErrDaemonNotAvailable is returned when nothing listens on the control socket.
var ErrDaemonNotAvailable = errors.New("perfectssh daemon not available")

// ErrClosed is returned for requests pending when the connection closes.
var ErrClosed = errors.New("client closed")

// RemoteError is an error response from the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// Client is a connection to the daemon's control socket. Requests may be
// issued concurrently; events are delivered to the OnEvent callback from
// the read goroutine.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	log    *slog.Logger

	mu      sync.RWMutex
	onEvent func(*protocol.Event)

	// writeMu serializes NDJSON writes.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotAvailable, err)
	}

	c := &Client{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		log:       logging.Component("client"),
		pending:   make(map[string]chan *protocol.Response),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// IsAvailable reports whether a daemon accepts connections on socketPath.
func IsAvailable(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		closeErr = c.conn.Close()
	})
	return closeErr
}

// Done is closed once the connection to the daemon is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// OnEvent registers a callback for daemon events.
func (c *Client) OnEvent(callback func(*protocol.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = callback
}

// Connect asks the daemon to connect. A nil cfg uses the daemon's loaded
// configuration. The request returns once accepted; follow progress with Watch.
func (c *Client) Connect(ctx context.Context, cfg *profile.Config) (*protocol.ConnectResult, error) {
	resp, err := c.sendRequest(ctx, protocol.CommandConnect, protocol.ConnectParams{Config: cfg})
	if err != nil {
		return nil, err
	}
	var result protocol.ConnectResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse connect result: %w", err)
	}
	return &result, nil
}

// Disconnect asks the daemon to tear the tunnel down.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.sendRequest(ctx, protocol.CommandDisconnect, protocol.DisconnectParams{})
	return err
}

// Status returns the daemon's connection status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	resp, err := c.sendRequest(ctx, protocol.CommandStatus, protocol.StatusParams{})
	if err != nil {
		return nil, err
	}
	var status protocol.StatusResult
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w", err)
	}
	return &status, nil
}

// Logs returns journal entries from the daemon.
func (c *Client) Logs(ctx context.Context, params protocol.LogsParams) ([]logging.Entry, error) {
	resp, err := c.sendRequest(ctx, protocol.CommandLogs, params)
	if err != nil {
		return nil, err
	}
	var result protocol.LogsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse logs: %w", err)
	}
	return result.Entries, nil
}

// Watch delivers events to fn until ctx is done, fn returns false, or the
// connection closes. It replaces any OnEvent callback.
func (c *Client) Watch(ctx context.Context, fn func(*protocol.Event) bool) error {
	stop := make(chan struct{})
	stopped := false
	// Events arrive one at a time from the read goroutine.
	c.OnEvent(func(e *protocol.Event) {
		if stopped {
			return
		}
		if !fn(e) {
			stopped = true
			close(stop)
		}
	})
	defer c.OnEvent(nil)

	select {
	case <-stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) sendRequest(ctx context.Context, cmd protocol.Command, params any) (*protocol.Response, error) {
	id := uuid.NewString()

	req, err := protocol.NewRequest(id, cmd, params)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	respChan := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, writeErr := c.conn.Write(data)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	select {
	case resp := <-respChan:
		if !resp.Success {
			if resp.Error != nil {
				return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, errors.New("request failed with unknown error")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, ErrClosed
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.closeChan:
			default:
				if err != io.EOF && !errors.Is(err, net.ErrClosed) {
					c.log.Error("Read error from daemon", "error", err)
				}
			}
			return
		}
		c.handleMessage(line)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("Invalid message from daemon", "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn("Invalid response from daemon", "error", err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}

	case protocol.MessageTypeEvent:
		var event protocol.Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.Warn("Invalid event from daemon", "error", err)
			return
		}
		c.mu.RLock()
		callback := c.onEvent
		c.mu.RUnlock()
		if callback != nil {
			callback(&event)
		}

	default:
		truncated := string(data)
		if len(truncated) > 200 {
			truncated = truncated[:200] + "..."
		}
		c.log.Warn("Unknown message type from daemon", "type", msg.Type, "data", truncated)
	}
}

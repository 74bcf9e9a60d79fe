// Package handler translates control protocol requests into connection
// manager calls and manager callbacks into protocol events.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perfectssh/perfectssh/internal/connection"
	"github.com/perfectssh/perfectssh/internal/control/protocol"
	"github.com/perfectssh/perfectssh/internal/doctor"
	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/stats"
)

const (
	// DisconnectTimeout bounds a disconnect request.
	DisconnectTimeout = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Connector is the part of connection.Manager the handler drives.
type Connector interface {
	Connect(ctx context.Context, cfg profile.Config) (connection.Outcome, error)
	Disconnect(ctx context.Context) error
	Status() connection.Status
	Attempts() []connection.Attempt
	OnStateChange(callback func(old, new connection.State))
	OnReport(callback func(*doctor.Report))
	OnStats(callback func(stats.Update))
	OnError(callback func(error))
}

// EventBroadcaster is called to broadcast events to all clients.
type EventBroadcaster func(event *protocol.Event)

// ConfigSource returns the tunnel configuration loaded by the daemon.
type ConfigSource func() (*profile.Config, error)

// Hooks are optional callbacks for daemon wiring.
type Hooks struct {
	// OnOutcome is called when a connect request settles.
	OnOutcome func(outcome connection.Outcome, err error)
	// BeforeDisconnect is called before a client-requested disconnect.
	BeforeDisconnect func()
}

// Handler serves control requests for one connection manager.
type Handler struct {
	manager     Connector
	journal     *logging.Journal
	broadcaster EventBroadcaster
	log         *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	config     ConfigSource
	hooks      Hooks
	connecting bool
	wg         sync.WaitGroup
}

// New creates a handler and subscribes to the manager's callbacks.
// journal may be nil, in which case the logs command fails.
func New(manager Connector, journal *logging.Journal, broadcaster EventBroadcaster) *Handler {
	h := &Handler{
		manager:     manager,
		journal:     journal,
		broadcaster: broadcaster,
		log:         logging.Component("control"),
		ctx:         context.Background(),
	}

	manager.OnStateChange(h.onStateChange)
	manager.OnReport(h.onReport)
	manager.OnStats(h.onStats)
	manager.OnError(h.onError)

	return h
}

// SetContext sets the context connect requests run under.
func (h *Handler) SetContext(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
}

// SetConfigSource sets where connect requests without an inline config
// get their configuration from.
func (h *Handler) SetConfigSource(source ConfigSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = source
}

// SetHooks replaces the daemon hooks.
func (h *Handler) SetHooks(hooks Hooks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = hooks
}

// HandleRequest processes a request and returns a response.
func (h *Handler) HandleRequest(req *protocol.Request) *protocol.Response {
	switch req.Command {
	case protocol.CommandConnect:
		return h.handleConnect(req)
	case protocol.CommandDisconnect:
		return h.handleDisconnect(req)
	case protocol.CommandStatus:
		return h.handleStatus(req)
	case protocol.CommandLogs:
		return h.handleLogs(req)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", req.Command))
	}
}

func (h *Handler) handleConnect(req *protocol.Request) *protocol.Response {
	var params protocol.ConnectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams,
				"invalid connect params")
		}
	}

	cfg, err := h.resolveConfig(params.Config)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeConfigInvalid, err.Error())
	}

	switch state := h.manager.Status().State; {
	case state == connection.StateConnected:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidState,
			connection.ErrAlreadyConnected.Error())
	case !state.CanConnect():
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBusy, connection.ErrBusy.Error())
	}

	if !h.beginConnect() {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBusy, connection.ErrBusy.Error())
	}

	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.endConnect()
		h.connect(ctx, cfg)
	}()

	return h.success(req.ID, protocol.ConnectResult{Accepted: true, Chain: cfg.Chain().String()})
}

// Connect runs a connect request to completion and broadcasts its outcome.
// It returns connection.ErrBusy while another request started through the
// handler is in progress.
func (h *Handler) Connect(ctx context.Context, cfg profile.Config) (connection.Outcome, error) {
	if !h.beginConnect() {
		return connection.OutcomeNone, connection.ErrBusy
	}
	defer h.endConnect()
	return h.connect(ctx, cfg)
}

func (h *Handler) connect(ctx context.Context, cfg profile.Config) (connection.Outcome, error) {
	outcome, err := h.manager.Connect(ctx, cfg)

	data := protocol.OutcomeData{Outcome: outcome.String(), ExitCode: outcome.ExitCode()}
	if err != nil {
		data.Error = err.Error()
		h.log.Warn("Connect request finished", "outcome", outcome.String(), "error", err)
	} else {
		h.log.Info("Connect request finished", "outcome", outcome.String())
	}
	h.broadcast(protocol.EventOutcome, data)

	h.mu.Lock()
	onOutcome := h.hooks.OnOutcome
	h.mu.Unlock()
	if onOutcome != nil {
		onOutcome(outcome, err)
	}
	return outcome, err
}

func (h *Handler) beginConnect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connecting {
		return false
	}
	h.connecting = true
	return true
}

func (h *Handler) endConnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connecting = false
}

// resolveConfig prefers the inline config, then the daemon's loaded one.
func (h *Handler) resolveConfig(inline *profile.Config) (profile.Config, error) {
	var cfg profile.Config
	switch {
	case inline != nil:
		cfg = *inline
	default:
		h.mu.Lock()
		source := h.config
		h.mu.Unlock()
		if source == nil {
			return cfg, errors.New("no tunnel configuration loaded")
		}
		loaded, err := source()
		if err != nil {
			return cfg, fmt.Errorf("failed to load tunnel configuration: %w", err)
		}
		if loaded == nil {
			return cfg, errors.New("no tunnel configuration loaded")
		}
		cfg = *loaded
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (h *Handler) handleDisconnect(req *protocol.Request) *protocol.Response {
	h.mu.Lock()
	before := h.hooks.BeforeDisconnect
	h.mu.Unlock()
	if before != nil {
		before()
	}

	ctx, cancel := context.WithTimeout(context.Background(), DisconnectTimeout)
	defer cancel()

	if err := h.manager.Disconnect(ctx); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidState,
				fmt.Sprintf("cannot disconnect: current state is %s", h.manager.Status().State))
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeDisconnectFailed, err.Error())
	}
	return h.success(req.ID, nil)
}

func (h *Handler) handleStatus(req *protocol.Request) *protocol.Response {
	return h.success(req.ID, protocol.StatusResult{
		Status:   h.manager.Status(),
		Attempts: h.manager.Attempts(),
	})
}

func (h *Handler) handleLogs(req *protocol.Request) *protocol.Response {
	var params protocol.LogsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "invalid logs params")
		}
	}
	if h.journal == nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, "log journal not available")
	}

	var entries []logging.Entry
	if params.Since > 0 {
		entries = h.journal.Since(params.Since)
	} else {
		entries = h.journal.Entries()
	}
	if params.Limit > 0 && len(entries) > params.Limit {
		entries = entries[len(entries)-params.Limit:]
	}
	if entries == nil {
		entries = []logging.Entry{}
	}
	return h.success(req.ID, protocol.LogsResult{Entries: entries})
}

func (h *Handler) success(id string, result any) *protocol.Response {
	resp, err := protocol.NewSuccessResponse(id, result)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error())
	}
	return resp
}

func (h *Handler) onStateChange(old, new connection.State) {
	h.broadcast(protocol.EventStateChange, protocol.StateChangeData{
		From: string(old),
		To:   string(new),
	})
}

func (h *Handler) onReport(report *doctor.Report) {
	h.broadcast(protocol.EventReport, report)
}

func (h *Handler) onStats(u stats.Update) {
	h.broadcast(protocol.EventStats, u)
}

func (h *Handler) onError(err error) {
	data := protocol.ErrorData{Message: err.Error(), Kind: failure.KindOf(err).String()}
	if fe, ok := failure.As(err); ok {
		data.ManualFix = fe.ManualFix
	}
	h.broadcast(protocol.EventError, data)
}

func (h *Handler) broadcast(name protocol.EventName, data any) {
	if h.broadcaster == nil {
		return
	}
	event, err := protocol.NewEvent(name, data)
	if err != nil {
		h.log.Error("Failed to create event", "event", name, "error", err)
		return
	}
	h.broadcaster(event)
}

// Shutdown disconnects the tunnel, if any, and waits for connect requests
// started by the handler to return.
func (h *Handler) Shutdown() {
	state := h.manager.Status().State
	if state.CanDisconnect() {
		h.log.Info("Disconnecting before shutdown", "state", state)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := h.manager.Disconnect(ctx); err != nil && !errors.Is(err, connection.ErrNotConnected) {
			if errors.Is(err, context.DeadlineExceeded) {
				h.log.Error("Disconnect timed out during shutdown", "timeout", shutdownTimeout)
			} else {
				h.log.Error("Failed to disconnect during shutdown", "error", err)
			}
		}
	}
	h.wg.Wait()
}

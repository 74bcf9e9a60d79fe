package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ConnectFunc re-establishes the tunnel. It blocks until the attempt settles.
type ConnectFunc func(ctx context.Context) error

// Callbacks contains optional callbacks for reconnection events.
type Callbacks struct {
	// OnReconnecting is called when a reconnect attempt is about to start.
	OnReconnecting func(attempt int)
	// OnFailed is called when a reconnect attempt fails or cannot start.
	OnFailed func(err error)
}

// Scheduler re-establishes a tunnel after it drops while connected.
// Drops following a user-initiated disconnect are ignored. It is safe for
// concurrent use.
type Scheduler struct {
	mu                      sync.Mutex
	attemptCount            int
	timer                   *time.Timer
	userInitiatedDisconnect bool
	enabled                 bool

	policy      Policy
	connectFunc ConnectFunc
	callbacks   Callbacks
	ctx         context.Context
}

// NewScheduler creates a scheduler. When enabled is false HandleDrop never
// schedules anything.
func NewScheduler(policy Policy, enabled bool) *Scheduler {
	return &Scheduler{
		policy:  policy,
		enabled: enabled,
		ctx:     context.Background(),
	}
}

// SetConnectFunc sets the function used to re-establish the tunnel.
func (s *Scheduler) SetConnectFunc(fn ConnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectFunc = fn
}

// SetContext sets the context passed to the connect function.
func (s *Scheduler) SetContext(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

// SetCallbacks sets the event callbacks.
func (s *Scheduler) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

// SetEnabled toggles automatic reconnection.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// OnConnectionSucceeded resets the attempt counter and the user-initiated flag.
func (s *Scheduler) OnConnectionSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptCount = 0
	s.userInitiatedDisconnect = false
}

// SetUserDisconnect marks the next drop as user-initiated.
func (s *Scheduler) SetUserDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInitiatedDisconnect = true
}

// HandleDrop is called when an established tunnel goes away. It schedules a
// reconnect after the policy delay and reports whether one was scheduled.
func (s *Scheduler) HandleDrop() bool {
	s.mu.Lock()

	if s.userInitiatedDisconnect {
		s.userInitiatedDisconnect = false
		s.mu.Unlock()
		slog.Debug("Skipping auto-reconnect: user-initiated disconnect")
		return false
	}
	if !s.enabled {
		s.mu.Unlock()
		slog.Debug("Skipping auto-reconnect: disabled")
		return false
	}
	if !s.policy.ShouldRetry(s.attemptCount + 1) {
		attempts := s.attemptCount
		s.mu.Unlock()
		slog.Warn("Max reconnect attempts reached", "attempts", attempts, "max", s.policy.MaxAttempts)
		return false
	}

	s.attemptCount++
	attempt := s.attemptCount
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := s.policy.Delay(attempt)
	s.timer = time.AfterFunc(delay, s.performReconnect)
	s.mu.Unlock()

	slog.Info("Scheduling reconnect attempt", "attempt", attempt, "max", s.policy.MaxAttempts, "delay", delay)
	return true
}

// Cancel stops any pending reconnection attempt.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		slog.Debug("Cancelled pending reconnect")
	}
}

// AttemptCount returns the number of reconnects scheduled since the last success.
func (s *Scheduler) AttemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptCount
}

func (s *Scheduler) performReconnect() {
	s.mu.Lock()
	attempt := s.attemptCount
	userDisconnected := s.userInitiatedDisconnect
	ctx := s.ctx
	connectFunc := s.connectFunc
	callbacks := s.callbacks
	s.mu.Unlock()

	if userDisconnected {
		slog.Debug("Skipping reconnect: user initiated disconnect during timer wait")
		return
	}
	if connectFunc == nil {
		slog.Error("Cannot reconnect: no connect function configured")
		if callbacks.OnFailed != nil {
			callbacks.OnFailed(errors.New("connect function not configured"))
		}
		return
	}
	if err := ctx.Err(); err != nil {
		slog.Debug("Skipping reconnect: context done", "error", err)
		return
	}

	if callbacks.OnReconnecting != nil {
		callbacks.OnReconnecting(attempt)
	}

	slog.Info("Performing reconnect attempt", "attempt", attempt)
	if err := connectFunc(ctx); err != nil {
		slog.Error("Reconnect failed", "attempt", attempt, "error", err)
		if callbacks.OnFailed != nil {
			callbacks.OnFailed(err)
		}
	}
}

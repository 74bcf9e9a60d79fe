package handler

import (
	"context"
	"sync"

	"github.com/perfectssh/perfectssh/internal/connection"
	"github.com/perfectssh/perfectssh/internal/doctor"
	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/stats"
)

// MockConnector is a scriptable connection manager.
type MockConnector struct {
	mu       sync.Mutex
	state    connection.State
	attempts []connection.Attempt
	configs  []profile.Config

	connectFunc    func(ctx context.Context, cfg profile.Config) (connection.Outcome, error)
	disconnectFunc func(ctx context.Context) error
	disconnects    int

	onStateChange func(old, new connection.State)
	onReport      func(*doctor.Report)
	onStats       func(stats.Update)
	onError       func(error)
}

func NewMockConnector() *MockConnector {
	return &MockConnector{state: connection.StateIdle}
}

func (m *MockConnector) Connect(ctx context.Context, cfg profile.Config) (connection.Outcome, error) {
	m.mu.Lock()
	m.configs = append(m.configs, cfg)
	fn := m.connectFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, cfg)
	}
	m.SetState(connection.StateConnected)
	return connection.OutcomeSuccess, nil
}

func (m *MockConnector) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.disconnects++
	fn := m.disconnectFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	m.SetState(connection.StateDisconnected)
	return nil
}

func (m *MockConnector) Status() connection.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return connection.Status{State: m.state}
}

func (m *MockConnector) Attempts() []connection.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]connection.Attempt(nil), m.attempts...)
}

func (m *MockConnector) OnStateChange(callback func(old, new connection.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = callback
}

func (m *MockConnector) OnReport(callback func(*doctor.Report)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReport = callback
}

func (m *MockConnector) OnStats(callback func(stats.Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStats = callback
}

func (m *MockConnector) OnError(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = callback
}

// SetState moves the mock to state and fires the state callback.
func (m *MockConnector) SetState(state connection.State) {
	m.mu.Lock()
	old := m.state
	m.state = state
	callback := m.onStateChange
	m.mu.Unlock()
	if callback != nil && old != state {
		callback(old, state)
	}
}

func (m *MockConnector) Configs() []profile.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]profile.Config(nil), m.configs...)
}

func (m *MockConnector) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

package doctor

import (
	"context"
	"sync"
	"time"

	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/remote"
)

// MockExecutor answers commands through a handler and records them.
type MockExecutor struct {
	mu       sync.Mutex
	commands []string
	handler  func(ctx context.Context, command string) (*remote.Result, error)
}

func NewMockExecutor(handler func(ctx context.Context, command string) (*remote.Result, error)) *MockExecutor {
	return &MockExecutor{handler: handler}
}

func (m *MockExecutor) Execute(ctx context.Context, _ profile.Chain, command string, _ time.Duration) (*remote.Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, command)
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return &remote.Result{}, nil
	}
	return handler(ctx, command)
}

func (m *MockExecutor) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// fakeHost simulates remote state for a plan: running a step's command
// establishes its postcondition, and its check reports it.
type fakeHost struct {
	mu       sync.Mutex
	state    map[string]bool
	commands map[string]string
	checks   map[string]string
	// broken lists steps whose command runs but never takes effect.
	broken map[string]bool
}

func newFakeHost(plan *Plan) *fakeHost {
	h := &fakeHost{
		state:    make(map[string]bool),
		commands: make(map[string]string),
		checks:   make(map[string]string),
		broken:   make(map[string]bool),
	}
	for _, ph := range plan.Phases {
		for _, st := range ph.Steps {
			if st.Command != "" {
				h.commands[st.Command] = st.Name
			} else {
				h.state[st.Name] = true
			}
			h.checks[st.Check] = st.Name
		}
	}
	return h
}

func (h *fakeHost) Execute(_ context.Context, command string) (*remote.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if name, ok := h.commands[command]; ok {
		if !h.broken[name] {
			h.state[name] = true
		}
		return &remote.Result{}, nil
	}
	if name, ok := h.checks[command]; ok {
		if h.state[name] {
			return &remote.Result{}, nil
		}
		return &remote.Result{ExitCode: 1, Stderr: name + " not applied"}, nil
	}
	return &remote.Result{ExitCode: 127, Stderr: "unexpected command"}, nil
}

func (h *fakeHost) snapshot() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool, len(h.state))
	for k, v := range h.state {
		out[k] = v
	}
	return out
}

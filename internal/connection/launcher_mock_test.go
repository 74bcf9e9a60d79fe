package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/remote"
	"github.com/perfectssh/perfectssh/internal/tunnel"
)

// MockHandle is a tunnel whose counters and health are set by the test.
type MockHandle struct {
	port    int
	in, out atomic.Uint64
	healthy atomic.Bool
	stopped atomic.Bool

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func NewMockHandle(port int) *MockHandle {
	h := &MockHandle{port: port, done: make(chan struct{})}
	h.healthy.Store(true)
	return h
}

func (h *MockHandle) BytesIn() uint64  { return h.in.Load() }
func (h *MockHandle) BytesOut() uint64 { return h.out.Load() }

func (h *MockHandle) SetCounters(in, out uint64) {
	h.in.Store(in)
	h.out.Store(out)
}

func (h *MockHandle) IsHealthy(context.Context) bool { return h.healthy.Load() }

func (h *MockHandle) Stop() error {
	h.stopped.Store(true)
	h.finish(nil)
	return nil
}

// Drop simulates the tunnel going away on its own.
func (h *MockHandle) Drop(err error) {
	h.finish(err)
}

func (h *MockHandle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *MockHandle) Done() <-chan struct{} { return h.done }

func (h *MockHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *MockHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *MockHandle) LocalPort() int { return h.port }

// startResult scripts one Start call. A zero value yields a healthy handle.
type startResult struct {
	handle *MockHandle
	err    error
	// block makes Start wait for its context.
	block bool
}

// MockLauncher replays scripted results; the last one repeats.
type MockLauncher struct {
	mu      sync.Mutex
	results []startResult
	starts  int
	handles []*MockHandle
	overlap bool
	started chan struct{}
	probe   func(ctx context.Context, chain profile.Chain) error
}

func NewMockLauncher(results ...startResult) *MockLauncher {
	return &MockLauncher{
		results: results,
		started: make(chan struct{}, 16),
	}
}

func (l *MockLauncher) Start(ctx context.Context, _ profile.Chain, localPort int, _ bool) (tunnel.Handle, error) {
	l.mu.Lock()
	res := startResult{}
	if len(l.results) > 0 {
		idx := l.starts
		if idx >= len(l.results) {
			idx = len(l.results) - 1
		}
		res = l.results[idx]
	}
	l.starts++
	l.mu.Unlock()

	select {
	case l.started <- struct{}{}:
	default:
	}

	if res.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	h := res.handle
	if h == nil {
		h = NewMockHandle(localPort)
	}

	l.mu.Lock()
	for _, prev := range l.handles {
		if prev.port == localPort && !prev.finished() {
			l.overlap = true
		}
	}
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

func (l *MockLauncher) Probe(ctx context.Context, chain profile.Chain) error {
	if l.probe != nil {
		return l.probe(ctx, chain)
	}
	return nil
}

func (l *MockLauncher) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

func (l *MockLauncher) LastHandle() *MockHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

func (l *MockLauncher) Overlapped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overlap
}

// MockExecutor answers remote commands through a handler.
type MockExecutor struct {
	mu       sync.Mutex
	commands []string
	handler  func(ctx context.Context, command string) (*remote.Result, error)
}

func (e *MockExecutor) Execute(ctx context.Context, _ profile.Chain, command string, _ time.Duration) (*remote.Result, error) {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		return &remote.Result{}, nil
	}
	return handler(ctx, command)
}

func (e *MockExecutor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.commands)
}

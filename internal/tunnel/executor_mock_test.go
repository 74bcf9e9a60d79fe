package tunnel

import (
	"context"
	"io"
	"sync"
)

// MockProcess implements Process for testing.
type MockProcess struct {
	mu sync.Mutex

	startErr error
	waitErr  error

	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	stderrLines []string
	exitOnStart bool
	onStart     func()
	onKill      func()

	started bool
	killed  bool

	// WaitCh can be used to control when Wait() returns
	WaitCh   chan struct{}
	waitOnce sync.Once
}

// NewMockProcess creates a new mock process.
func NewMockProcess() *MockProcess {
	r, w := io.Pipe()
	return &MockProcess{
		stderrR: r,
		stderrW: w,
		WaitCh:  make(chan struct{}),
	}
}

func (p *MockProcess) Start() error {
	p.mu.Lock()
	if p.startErr != nil {
		p.mu.Unlock()
		return p.startErr
	}
	p.started = true
	lines := p.stderrLines
	exit := p.exitOnStart
	hook := p.onStart
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	go func() {
		for _, l := range lines {
			io.WriteString(p.stderrW, l+"\n")
		}
		if exit {
			p.CompleteProcess()
		}
	}()
	return nil
}

func (p *MockProcess) Wait() error {
	<-p.WaitCh
	p.stderrW.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	hook := p.onKill
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.CompleteProcess()
	return nil
}

func (p *MockProcess) Stderr() io.ReadCloser {
	return p.stderrR
}

// ExitWith makes the process print lines to stderr and exit with err as
// soon as it starts.
func (p *MockProcess) ExitWith(err error, lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitErr = err
	p.stderrLines = lines
	p.exitOnStart = true
}

// SetStartError sets an error to return from Start().
func (p *MockProcess) SetStartError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// IsKilled returns true if Kill() was called.
func (p *MockProcess) IsKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// CompleteProcess signals that the process should complete.
func (p *MockProcess) CompleteProcess() {
	p.waitOnce.Do(func() { close(p.WaitCh) })
}

// MockExecutor implements ProcessExecutor for testing.
type MockExecutor struct {
	mu sync.Mutex

	createErr error
	process   *MockProcess
	lastSpec  Spec
}

// NewMockExecutor creates a new mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{process: NewMockProcess()}
}

// CreateProcess implements ProcessExecutor.
func (e *MockExecutor) CreateProcess(_ context.Context, spec Spec) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSpec = spec
	if e.createErr != nil {
		return nil, e.createErr
	}
	return e.process, nil
}

// GetProcess returns the mock process.
func (e *MockExecutor) GetProcess() *MockProcess {
	return e.process
}

// GetLastSpec returns the last spec passed to CreateProcess.
func (e *MockExecutor) GetLastSpec() Spec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSpec
}

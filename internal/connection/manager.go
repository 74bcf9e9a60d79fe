package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perfectssh/perfectssh/internal/doctor"
	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/metrics"
	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/reconnect"
	"github.com/perfectssh/perfectssh/internal/stats"
	"github.com/perfectssh/perfectssh/internal/tunnel"
)

var (
	// ErrBusy is returned when a connect request arrives while another one
	// is being processed.
	ErrBusy = errors.New("a connection attempt is already in progress")
	// ErrAlreadyConnected is returned when a connect request arrives while connected.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotConnected is returned by Disconnect when there is nothing to tear down.
	ErrNotConnected = errors.New("not connected")
)

// DefaultHealthTimeout bounds the health probe run after a tunnel starts.
const DefaultHealthTimeout = 10 * time.Second

// Diagnoser classifies a failed attempt.
type Diagnoser interface {
	Diagnose(ctx context.Context, chain profile.Chain, sig doctor.Signal) *doctor.Report
}

// Repairer executes a repair plan.
type Repairer interface {
	Run(ctx context.Context, plan *doctor.Plan, chain profile.Chain, onPhase func(doctor.Phase)) (*doctor.Result, error)
}

// Options configures a Manager.
type Options struct {
	Launcher tunnel.Launcher
	// Diagnoser defaults to classification without a remote probe.
	Diagnoser Diagnoser
	// Repairer may be nil, in which case every failure needs a manual fix.
	Repairer       Repairer
	Policy         reconnect.Policy
	HealthTimeout  time.Duration
	SampleInterval time.Duration
	Metrics        *metrics.Metrics
}

// Status is a point-in-time view of the manager for display.
type Status struct {
	State     State               `json:"state"`
	Since     time.Time           `json:"since"`
	Chain     string              `json:"chain,omitempty"`
	LocalPort int                 `json:"local_port,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Attempt   int                 `json:"attempt"`
	Report    *doctor.Report      `json:"report,omitempty"`
	Stats     *stats.SessionStats `json:"stats,omitempty"`
	LastError *ErrorInfo          `json:"last_error,omitempty"`
}

// Manager owns one tunnel at a time and the state machine around it.
// Connect blocks; Disconnect, Status and Attempts may be called concurrently.
type Manager struct {
	launcher      tunnel.Launcher
	diagnoser     Diagnoser
	repairer      Repairer
	policy        reconnect.Policy
	healthTimeout time.Duration
	monitor       *stats.Monitor
	metrics       *metrics.Metrics
	ports         *portRegistry
	log           *slog.Logger

	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	newSessionID func() string

	mu        sync.RWMutex
	state     State
	since     time.Time
	cfg       *profile.Config
	sessionID string
	attempt   int
	attempts  []Attempt
	report    *doctor.Report
	lastErr   *ErrorInfo
	handle    tunnel.Handle

	// cancel and done belong to the connect request in progress.
	cancel context.CancelFunc
	done   chan struct{}

	onStateChange func(old, new State)
	onReport      func(*doctor.Report)
	onStats       func(stats.Update)
	onError       func(error)
	onDrop        func(error)
}

// New creates a manager in the idle state.
func New(opts Options) *Manager {
	if opts.Diagnoser == nil {
		opts.Diagnoser = doctor.NewEngine(nil, 0)
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = reconnect.DefaultPolicy()
	}

	m := &Manager{
		launcher:      opts.Launcher,
		diagnoser:     opts.Diagnoser,
		repairer:      opts.Repairer,
		policy:        opts.Policy,
		healthTimeout: opts.HealthTimeout,
		monitor:       stats.NewMonitor(opts.SampleInterval),
		metrics:       opts.Metrics,
		ports:         newPortRegistry(),
		log:           logging.Component("connection"),
		now:           time.Now,
		sleep:         sleepContext,
		newSessionID:  uuid.NewString,
		state:         StateIdle,
	}
	m.since = m.now()
	m.monitor.OnStats(m.handleStats)
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(callback func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = callback
}

// OnReport registers a callback for diagnostic reports.
func (m *Manager) OnReport(callback func(*doctor.Report)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReport = callback
}

// OnStats registers a callback for traffic samples. The callback runs on
// the sampling goroutine, which Disconnect and a tunnel drop wait for, so it
// must not call Disconnect directly. Hand such work to another goroutine.
func (m *Manager) OnStats(callback func(stats.Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStats = callback
}

// OnError registers a callback for errors surfaced to the user.
func (m *Manager) OnError(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = callback
}

// OnDrop registers a callback invoked when a connected tunnel goes away
// without a Disconnect call.
func (m *Manager) OnDrop(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = callback
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{
		State:     m.state,
		Since:     m.since,
		SessionID: m.sessionID,
		Attempt:   m.attempt,
		Report:    m.report,
		LastError: m.lastErr,
	}
	if m.cfg != nil {
		st.Chain = m.cfg.Chain().String()
		st.LocalPort = m.cfg.LocalPort
	}
	m.mu.RUnlock()

	if snap := m.monitor.Snapshot(); !snap.StartedAt.IsZero() {
		st.Stats = &snap
	}
	return st
}

// Attempts returns the attempts of the current session in order.
func (m *Manager) Attempts() []Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Attempt(nil), m.attempts...)
}

// Connect validates cfg and drives the state machine until the tunnel is
// connected or the request has definitively failed. Invalid configuration
// is rejected without a state change. Cancelling ctx, or calling
// Disconnect, aborts the request with OutcomeUserCancelled.
func (m *Manager) Connect(ctx context.Context, cfg profile.Config) (Outcome, error) {
	m.mu.Lock()
	switch {
	case m.state == StateConnected:
		m.mu.Unlock()
		return OutcomeNone, ErrAlreadyConnected
	case !m.state.CanConnect() || m.done != nil:
		m.mu.Unlock()
		return OutcomeNone, ErrBusy
	}

	if err := cfg.Validate(); err != nil {
		m.lastErr = errorInfo(err)
		m.mu.Unlock()
		m.log.Warn("Rejected invalid configuration", "error", err)
		m.emitError(err)
		return OutcomeConfigInvalid, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cfg = &cfg
	m.cancel = cancel
	m.done = done
	m.sessionID = m.newSessionID()
	m.attempt = 1
	m.attempts = nil
	m.report = nil
	m.lastErr = nil
	from, _ := m.transitionLocked(StateConnecting)
	callback := m.onStateChange
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.cancel = nil
		m.done = nil
		m.mu.Unlock()
		close(done)
	}()

	m.afterTransition(from, StateConnecting, callback)
	m.log.Info("Connecting", "chain", cfg.Chain().String(), "port", cfg.LocalPort, "session", m.sessionID)
	return m.run(runCtx, cfg)
}

// run is the attempt loop. It returns with the manager in Connected,
// Failed or Disconnected.
func (m *Manager) run(ctx context.Context, cfg profile.Config) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = m.recoverPanic(r)
		}
	}()

	chain := cfg.Chain()
	attempt := 1
	started := m.now()

	for {
		handle, startErr := m.start(ctx, cfg)
		if startErr == nil {
			if ctx.Err() != nil {
				m.stopHandle(handle, cfg.LocalPort)
				return m.cancelled(ctx, attempt, started)
			}
			m.recordAttempt(attempt, started, nil)
			return m.connected(handle, cfg)
		}
		if ctx.Err() != nil {
			return m.cancelled(ctx, attempt, started)
		}
		if failure.Is(startErr, failure.KindConfig) {
			m.recordAttempt(attempt, started, startErr)
			return m.fail(OutcomeConfigInvalid, startErr)
		}

		m.log.Warn("Connection attempt failed", "attempt", attempt, "error", startErr)
		m.mustSetState(StateDiagnosing)
		startSig := doctor.SignalFromError(startErr)
		sig := startSig
		cause := startErr

		for {
			report := m.diagnose(ctx, chain, sig)
			if ctx.Err() != nil {
				return m.cancelled(ctx, attempt, started)
			}

			plan, planErr := m.plan(report, chain)
			if planErr != nil || plan == nil {
				if planErr != nil {
					cause = fmt.Errorf("%w (repair plan unavailable: %v)", cause, planErr)
				}
				err := report.Err("connect", cause)
				m.recordAttempt(attempt, started, err)
				return m.fail(OutcomeManualFixRequired, err)
			}

			m.mustSetState(StateRepairing)
			res, repairErr := m.repairer.Run(ctx, plan, chain, m.enterPhase)
			m.recordRepair(res)
			if ctx.Err() != nil {
				return m.cancelled(ctx, attempt, started)
			}

			verifying := res != nil && (res.Verified || (res.FailedPhase != nil && *res.FailedPhase == doctor.PhaseVerification))
			if !verifying {
				m.annotate(repairErr, report)
				m.recordAttempt(attempt, started, repairErr)
				return m.fail(OutcomeManualFixRequired, repairErr)
			}
			m.ensureVerifying()

			if repairErr == nil && res.Verified {
				m.recordAttempt(attempt, started, report.Err("connect", cause))
				if !m.policy.ShouldRetry(attempt + 1) {
					return m.fail(OutcomeExhaustedRetries, exhausted(report, attempt, cause))
				}
				delay := m.policy.Delay(attempt)
				m.log.Info("Repair verified, reconnecting", "attempt", attempt+1, "delay", delay)
				if err := m.sleep(ctx, delay); err != nil {
					return m.cancelled(ctx, attempt, time.Time{})
				}
				attempt++
				started = m.now()
				m.setAttempt(attempt)
				m.mustSetState(StateConnecting)
				break
			}

			m.recordAttempt(attempt, started, repairErr)
			if !m.policy.ShouldRetry(attempt + 1) {
				return m.fail(OutcomeExhaustedRetries, exhausted(report, attempt, repairErr))
			}
			attempt++
			started = m.now()
			m.setAttempt(attempt)
			m.log.Warn("Repair verification failed, diagnosing again", "attempt", attempt, "error", repairErr)
			m.mustSetState(StateDiagnosing)
			// The start failure stays in the signal so a failed check does
			// not hide the symptom. The engine probes the target again.
			sig = doctor.Signal{
				ExitCode: startSig.ExitCode,
				Stderr:   startSig.Stderr + "\n" + repairErr.Error(),
			}
			cause = repairErr
		}
	}
}

// start claims the local port, launches the tunnel and confirms it is healthy.
func (m *Manager) start(ctx context.Context, cfg profile.Config) (tunnel.Handle, error) {
	if m.launcher == nil {
		return nil, failure.Configf("start tunnel", "no tunnel launcher configured")
	}
	if err := m.ports.acquire(cfg.LocalPort); err != nil {
		return nil, err
	}

	handle, err := m.launcher.Start(ctx, cfg.Chain(), cfg.LocalPort, cfg.Compression)
	if err != nil {
		m.ports.release(cfg.LocalPort)
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	healthy := handle.IsHealthy(probeCtx)
	cancel()
	if !healthy {
		m.stopHandle(handle, cfg.LocalPort)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &tunnel.StartError{Err: failure.Timeout("health probe", errors.New("tunnel did not become healthy in time"))}
	}
	return handle, nil
}

func (m *Manager) stopHandle(handle tunnel.Handle, port int) {
	if err := handle.Stop(); err != nil {
		m.log.Warn("Failed to stop tunnel", "error", err)
	}
	m.ports.release(port)
}

func (m *Manager) connected(handle tunnel.Handle, cfg profile.Config) (Outcome, error) {
	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()

	m.mustSetState(StateConnected)
	m.monitor.Start(handle)
	go m.watch(handle, cfg.LocalPort)

	m.log.Info("Tunnel connected", "port", cfg.LocalPort, "attempts", len(m.Attempts()))
	return OutcomeSuccess, nil
}

// watch waits for the tunnel to go away on its own.
func (m *Manager) watch(handle tunnel.Handle, port int) {
	<-handle.Done()

	m.mu.Lock()
	if m.handle != handle {
		// Disconnect owns the teardown.
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.mu.Unlock()

	m.monitor.Stop()
	m.ports.release(port)
	m.logSession()

	err := handle.Err()
	if err == nil {
		err = errors.New("tunnel closed")
	}
	err = failure.New(failure.KindNetwork, "tunnel", err)

	m.mu.Lock()
	m.lastErr = errorInfo(err)
	drop := m.onDrop
	m.mu.Unlock()

	m.log.Warn("Tunnel dropped", "error", err)
	if serr := m.setState(StateDisconnected); serr != nil {
		m.log.Warn("Failed to transition to disconnected state", "error", serr)
	}
	m.emitError(err)
	if drop != nil {
		drop(err)
	}
}

// Disconnect aborts a connect request in progress or closes the connected
// tunnel. It returns once the manager is Disconnected or ctx is done.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	cancel, done := m.cancel, m.done
	if !state.CanDisconnect() && done == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	m.log.Info("Disconnect requested", "state", state)

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection attempt to stop: %w", ctx.Err())
		}
	}

	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	port := 0
	if m.cfg != nil {
		port = m.cfg.LocalPort
	}
	m.mu.Unlock()

	if handle == nil {
		return nil
	}

	m.monitor.Stop()
	stopErr := handle.Stop()
	m.ports.release(port)
	m.logSession()
	if err := m.setState(StateDisconnected); err != nil {
		m.log.Warn("Failed to transition to disconnected state", "error", err)
	}

	if stopErr != nil {
		return fmt.Errorf("failed to stop tunnel: %w", stopErr)
	}
	return nil
}

func (m *Manager) diagnose(ctx context.Context, chain profile.Chain, sig doctor.Signal) *doctor.Report {
	report := m.diagnoser.Diagnose(ctx, chain, sig)
	if report == nil {
		report = doctor.Classify(sig)
	}

	m.mu.Lock()
	m.report = report
	callback := m.onReport
	m.mu.Unlock()

	for _, issue := range report.Issues {
		m.metrics.Issue(issue.Category.String(), issue.Severity.String())
	}
	if callback != nil {
		callback(report)
	}
	return report
}

// plan returns nil when the report cannot be repaired automatically.
func (m *Manager) plan(report *doctor.Report, chain profile.Chain) (*doctor.Plan, error) {
	if blocking := report.Blocking(); len(blocking) > 0 {
		m.log.Warn("Issue requires confirmation, not repairing", "category", blocking[0].Category.String())
		return nil, nil
	}
	if m.repairer == nil {
		return nil, nil
	}
	return doctor.BuildPlan(report, doctor.TargetFor(chain.Target()))
}

func (m *Manager) enterPhase(phase doctor.Phase) {
	if phase == doctor.PhaseVerification {
		m.mustSetState(StateVerifying)
	}
}

func (m *Manager) ensureVerifying() {
	if m.State() == StateRepairing {
		m.mustSetState(StateVerifying)
	}
}

func (m *Manager) recordRepair(res *doctor.Result) {
	if res == nil {
		return
	}
	for _, rec := range res.Records {
		m.metrics.RepairStep(rec.Phase.String(), rec.OK)
	}
	m.metrics.RepairRun(res.Verified)
}

// annotate attaches the report's manual fix to a repair failure.
func (m *Manager) annotate(err error, report *doctor.Report) {
	fe, ok := failure.As(err)
	if !ok {
		return
	}
	if top, ok := report.Top(); ok {
		fe.Category = top.Category.String()
		fe.Severity = top.Severity.String()
	}
	fe.ManualFix = report.ManualFix()
}

func exhausted(report *doctor.Report, attempts int, cause error) error {
	return report.Err("connect", fmt.Errorf("exhausted retries after %d attempts: %w", attempts, cause))
}

// cancelled settles a request aborted by the user. A zero started means the
// current attempt was already recorded.
func (m *Manager) cancelled(ctx context.Context, attempt int, started time.Time) (Outcome, error) {
	err := fmt.Errorf("connection cancelled: %w", context.Cause(ctx))
	if !started.IsZero() {
		m.recordAttempt(attempt, started, err)
	}
	m.mustSetState(StateDisconnected)
	m.log.Info("Connection cancelled", "attempt", attempt)
	return OutcomeUserCancelled, err
}

func (m *Manager) fail(outcome Outcome, err error) (Outcome, error) {
	m.mu.Lock()
	m.lastErr = errorInfo(err)
	m.mu.Unlock()

	m.mustSetState(StateFailed)
	m.log.Error("Connection failed", "outcome", outcome.String(), "error", err)
	m.emitError(err)
	return outcome, err
}

// recoverPanic degrades an unexpected fault to Failed with an Unknown issue.
func (m *Manager) recoverPanic(r any) (Outcome, error) {
	m.log.Error("Internal error", "panic", r, "stack", string(debug.Stack()))

	issue := doctor.Issue{
		Category:  doctor.CategoryUnknown,
		Severity:  doctor.SeverityMedium,
		Evidence:  fmt.Sprint(r),
		ManualFix: "This is a bug. Please report it together with the log output.",
	}
	report := &doctor.Report{Issues: []doctor.Issue{issue}}
	err := report.Err("connect", fmt.Errorf("internal error: %v", r))

	m.mu.Lock()
	m.report = report
	m.lastErr = errorInfo(err)
	handle := m.handle
	m.handle = nil
	m.mu.Unlock()
	m.log.Warn("Issue found", "category", issue.Category.String(), "severity", issue.Severity.String(), "evidence", issue.Evidence)

	if handle != nil {
		m.monitor.Stop()
		if m.cfg != nil {
			m.stopHandle(handle, m.cfg.LocalPort)
		}
	}
	m.forceState(StateFailed)
	m.emitError(err)
	return OutcomeManualFixRequired, err
}

func (m *Manager) recordAttempt(n int, started time.Time, err error) {
	a := Attempt{
		Number:    n,
		StartedAt: started,
		EndedAt:   m.now(),
		Success:   err == nil,
	}
	if err != nil {
		a.Kind = failure.KindOf(err)
		a.KindName = a.Kind.String()
	}

	m.mu.Lock()
	a.SessionID = m.sessionID
	m.attempts = append(m.attempts, a)
	m.mu.Unlock()
	m.metrics.Attempt(a.Success)
}

func (m *Manager) setAttempt(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = n
}

func (m *Manager) handleStats(u stats.Update) {
	m.metrics.Traffic(u)
	if u.CounterReset {
		m.metrics.CounterReset()
	}

	m.mu.RLock()
	callback := m.onStats
	m.mu.RUnlock()
	if callback != nil {
		callback(u)
	}
}

func (m *Manager) logSession() {
	snap := m.monitor.Snapshot()
	if snap.StartedAt.IsZero() {
		return
	}
	m.log.Info("Session ended", "summary", stats.FormatSession(snap))
}

// transitionLocked changes the state. m.mu must be held.
func (m *Manager) transitionLocked(to State) (State, error) {
	from := m.state
	if !IsValidTransition(from, to) {
		return from, fmt.Errorf("invalid state transition from %s to %s", from, to)
	}
	m.state = to
	m.since = m.now()
	return from, nil
}

// setState transitions to a new state if the transition is valid. The
// callback is invoked outside the lock.
func (m *Manager) setState(to State) error {
	m.mu.Lock()
	from, err := m.transitionLocked(to)
	callback := m.onStateChange
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.afterTransition(from, to, callback)
	return nil
}

// mustSetState is setState for transitions the attempt loop guarantees to
// be valid. A violation is a bug and panics into recoverPanic.
func (m *Manager) mustSetState(to State) {
	if err := m.setState(to); err != nil {
		panic(err)
	}
}

func (m *Manager) forceState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.since = m.now()
	callback := m.onStateChange
	m.mu.Unlock()
	if from != to {
		m.afterTransition(from, to, callback)
	}
}

func (m *Manager) afterTransition(from, to State, callback func(old, new State)) {
	m.log.Info("State changed", "from", string(from), "to", string(to))
	m.metrics.Transition(string(from), string(to))
	if callback != nil {
		callback(from, to)
	}
}

func (m *Manager) emitError(err error) {
	m.mu.RLock()
	callback := m.onError
	m.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

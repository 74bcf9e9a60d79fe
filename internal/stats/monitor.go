package stats

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/perfectssh/perfectssh/internal/logging"
)

// DefaultSampleInterval is the default interval between samples.
const DefaultSampleInterval = time.Second

// ErrNotRunning is returned by Sample when the monitor is stopped.
var ErrNotRunning = errors.New("monitor is not running")

// Monitor periodically samples a CounterSource. Only one goroutine samples
// at a time and nothing is sampled or published after Stop returns.
type Monitor struct {
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu      sync.RWMutex
	src     CounterSource
	running bool
	last    Sample
	rateIn  float64
	rateOut float64
	session SessionStats
	onStats func(Update)

	stopChan chan struct{}
	loopDone chan struct{}
}

// NewMonitor creates a monitor with the given sample interval.
// If interval is 0, DefaultSampleInterval is used.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{
		interval: interval,
		now:      time.Now,
		log:      logging.Component("stats"),
	}
}

// OnStats registers a callback invoked after each sample from the sampling
// goroutine.
func (m *Monitor) OnStats(callback func(Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStats = callback
}

// Start takes a baseline sample of src and begins periodic sampling.
// Calling Start on a running monitor does nothing.
func (m *Monitor) Start(src CounterSource) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}

	now := m.now()
	m.src = src
	m.last = Sample{Timestamp: now, BytesIn: src.BytesIn(), BytesOut: src.BytesOut()}
	m.rateIn, m.rateOut = 0, 0
	m.session = SessionStats{StartedAt: now}
	m.running = true
	m.stopChan = make(chan struct{})
	m.loopDone = make(chan struct{})
	stop, done := m.stopChan, m.loopDone
	m.mu.Unlock()

	go m.loop(stop, done)
	m.log.Info("Traffic monitor started", "interval", m.interval)
}

// Stop halts sampling and waits for the sampling goroutine to exit. It must
// not be called from the OnStats callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.src = nil
	stop, done := m.stopChan, m.loopDone
	close(stop)
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	m.log.Info("Traffic monitor stopped")
}

// IsRunning returns true if the monitor is actively sampling.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Snapshot returns the session statistics. While running, Uptime is
// measured up to now.
func (m *Monitor) Snapshot() SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.session
	if m.running {
		s.Uptime = m.now().Sub(s.StartedAt)
	}
	return s
}

// Latest returns the most recent sample, if the monitor has been started.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, !m.last.Timestamp.IsZero()
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			if _, err := m.Sample(); err != nil {
				return
			}
		}
	}
}

// Sample reads the counters once, updates the session and publishes the
// result. The periodic loop calls it; it may also be called directly.
func (m *Monitor) Sample() (Update, error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return Update{}, ErrNotRunning
	}

	now := m.now()
	cur := Sample{Timestamp: now, BytesIn: m.src.BytesIn(), BytesOut: m.src.BytesOut()}
	elapsed := now.Sub(m.last.Timestamp).Seconds()

	var resetIn, resetOut bool
	m.rateIn, resetIn = m.advance(cur.BytesIn, m.last.BytesIn, elapsed, &m.session.BytesInTotal, &m.session.PeakRateIn)
	m.rateOut, resetOut = m.advance(cur.BytesOut, m.last.BytesOut, elapsed, &m.session.BytesOutTotal, &m.session.PeakRateOut)

	prev := m.last
	m.last = cur
	m.session.Uptime = now.Sub(m.session.StartedAt)

	update := Update{Sample: cur, RateIn: m.rateIn, RateOut: m.rateOut, Session: m.session, CounterReset: resetIn || resetOut}
	callback := m.onStats
	m.mu.Unlock()

	if resetIn {
		m.log.Warn("Counter reset detected", "direction", "in", "previous", prev.BytesIn, "current", cur.BytesIn)
	}
	if resetOut {
		m.log.Warn("Counter reset detected", "direction", "out", "previous", prev.BytesOut, "current", cur.BytesOut)
	}

	if callback != nil {
		callback(update)
	}
	return update, nil
}

// advance folds one direction's reading into the session. A counter that
// went backwards yields a zero rate and becomes the new baseline.
func (m *Monitor) advance(cur, last uint64, elapsed float64, total *uint64, peak *float64) (rate float64, reset bool) {
	if cur < last {
		return 0, true
	}
	delta := cur - last
	*total += delta
	if elapsed > 0 {
		rate = float64(delta) / elapsed
	}
	if rate > *peak {
		*peak = rate
	}
	return rate, false
}

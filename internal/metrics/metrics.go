// Package metrics exposes connection, diagnosis, repair and traffic
// metrics in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/stats"
)

const namespace = "perfectssh"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry
	log      *slog.Logger

	mu    sync.Mutex
	state string

	stateGauge   *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	issues       *prometheus.CounterVec
	repairSteps  *prometheus.CounterVec
	repairRuns   *prometheus.CounterVec
	bytes        *prometheus.GaugeVec
	rates        *prometheus.GaugeVec
	counterReset prometheus.Counter
}

// New registers all collectors on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		log:      logging.Component("metrics"),
		stateGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of connection state transitions",
		}, []string{"from", "to"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Total number of connection attempts by result",
		}, []string{"result"}),
		issues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostic_issues_total",
			Help:      "Total number of diagnosed issues",
		}, []string{"category", "severity"}),
		repairSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_steps_total",
			Help:      "Total number of executed repair steps",
		}, []string{"phase", "result"}),
		repairRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_runs_total",
			Help:      "Total number of repair runs by result",
		}, []string{"result"}),
		bytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_bytes",
			Help:      "Bytes transferred in the current session",
		}, []string{"direction"}),
		rates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "traffic_rate_bytes_per_second",
			Help:      "Most recently sampled traffic rate",
		}, []string{"direction"}),
		counterReset: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_counter_resets_total",
			Help:      "Total number of detected tunnel counter resets",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Transition records a state change and moves the state gauge.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != "" {
		m.stateGauge.WithLabelValues(m.state).Set(0)
	}
	m.state = to
	m.stateGauge.WithLabelValues(to).Set(1)
	m.transitions.WithLabelValues(from, to).Inc()
}

// Attempt records the end of a connection attempt.
func (m *Metrics) Attempt(ok bool) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result(ok)).Inc()
}

// Issue records a diagnosed issue.
func (m *Metrics) Issue(category, severity string) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(category, severity).Inc()
}

// RepairStep records an executed repair step.
func (m *Metrics) RepairStep(phase string, ok bool) {
	if m == nil {
		return
	}
	m.repairSteps.WithLabelValues(phase, result(ok)).Inc()
}

// RepairRun records the end of a repair run.
func (m *Metrics) RepairRun(verified bool) {
	if m == nil {
		return
	}
	m.repairRuns.WithLabelValues(result(verified)).Inc()
}

// Traffic records a traffic sample.
func (m *Metrics) Traffic(u stats.Update) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("in").Set(float64(u.Session.BytesInTotal))
	m.bytes.WithLabelValues("out").Set(float64(u.Session.BytesOutTotal))
	m.rates.WithLabelValues("in").Set(u.RateIn)
	m.rates.WithLabelValues("out").Set(u.RateOut)
}

// CounterReset records a detected counter regression.
func (m *Metrics) CounterReset() {
	if m == nil {
		return
	}
	m.counterReset.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.log.Info("Metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		m.log.Error("Metrics endpoint stopped", "addr", addr, "error", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

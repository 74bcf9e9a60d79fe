package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfectssh/perfectssh/internal/stats"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Transitions(t *testing.T) {
	m := New()

	m.Transition("idle", "connecting")
	m.Transition("connecting", "connected")

	body := scrape(t, m)
	assert.Contains(t, body, `perfectssh_connection_state{state="connected"} 1`)
	assert.Contains(t, body, `perfectssh_connection_state{state="connecting"} 0`)
	assert.Contains(t, body, `perfectssh_state_transitions_total{from="idle",to="connecting"} 1`)
	assert.Contains(t, body, `perfectssh_state_transitions_total{from="connecting",to="connected"} 1`)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Attempt(false)
	m.Attempt(true)
	m.Attempt(false)
	m.Issue("ConfigForwardingDisabled", "high")
	m.RepairStep("Network", true)
	m.RepairStep("SSHService", false)
	m.RepairRun(true)
	m.CounterReset()

	body := scrape(t, m)
	assert.Contains(t, body, `perfectssh_connection_attempts_total{result="failure"} 2`)
	assert.Contains(t, body, `perfectssh_connection_attempts_total{result="success"} 1`)
	assert.Contains(t, body, `perfectssh_diagnostic_issues_total{category="ConfigForwardingDisabled",severity="high"} 1`)
	assert.Contains(t, body, `perfectssh_repair_steps_total{phase="Network",result="success"} 1`)
	assert.Contains(t, body, `perfectssh_repair_steps_total{phase="SSHService",result="failure"} 1`)
	assert.Contains(t, body, `perfectssh_repair_runs_total{result="success"} 1`)
	assert.Contains(t, body, `perfectssh_traffic_counter_resets_total 1`)
}

func TestMetrics_Traffic(t *testing.T) {
	m := New()

	m.Traffic(stats.Update{
		RateIn:  512,
		RateOut: 64,
		Session: stats.SessionStats{BytesInTotal: 4096, BytesOutTotal: 1024},
	})

	body := scrape(t, m)
	assert.Contains(t, body, `perfectssh_session_bytes{direction="in"} 4096`)
	assert.Contains(t, body, `perfectssh_session_bytes{direction="out"} 1024`)
	assert.Contains(t, body, `perfectssh_traffic_rate_bytes_per_second{direction="in"} 512`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Transition("idle", "connecting")
		m.Attempt(true)
		m.Issue("Unknown", "medium")
		m.RepairStep("Network", true)
		m.RepairRun(false)
		m.Traffic(stats.Update{})
		m.CounterReset()
	})
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestMetrics_Serve(t *testing.T) {
	m := New()
	m.Attempt(true)
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, addr) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, `perfectssh_connection_attempts_total{result="success"} 1`)
	assert.Contains(t, body, "go_goroutines")

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMetrics_ServeBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var logs bytes.Buffer
	m := New()
	m.log = slog.New(slog.NewTextHandler(&logs, nil))

	err = m.Serve(context.Background(), ln.Addr().String())
	assert.Error(t, err)
	assert.Contains(t, logs.String(), "Metrics endpoint stopped")
}

package doctor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/remote"
)

// DefaultProbeTimeout bounds the remote probe.
const DefaultProbeTimeout = 10 * time.Second

// probeCommand dumps the sshd settings diagnosis cares about without
// changing anything. It falls back to the config file when sshd -T needs
// privileges the user lacks.
const probeCommand = `sshd -T 2>/dev/null | grep -iE '^(allowtcpforwarding|clientaliveinterval|port) ' || ` +
	`grep -iE '^[[:space:]]*(AllowTcpForwarding|ClientAliveInterval|Port)[[:space:]]' /etc/ssh/sshd_config 2>/dev/null || true`

// Engine diagnoses failures. It only reads from the remote host.
type Engine struct {
	exec    remote.Executor
	timeout time.Duration
	log     *slog.Logger
}

// NewEngine creates an engine. A nil executor disables the remote probe.
func NewEngine(exec remote.Executor, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Engine{
		exec:    exec,
		timeout: timeout,
		log:     logging.Component("doctor"),
	}
}

// Probe runs the read-only probe against the chain's target.
func (e *Engine) Probe(ctx context.Context, chain profile.Chain) *ProbeResult {
	if e.exec == nil {
		return nil
	}
	res, err := e.exec.Execute(ctx, chain, probeCommand, e.timeout)
	if err != nil {
		e.log.Debug("Probe failed", "target", chain.Target().String(), "error", err)
		return &ProbeResult{Err: err}
	}
	return &ProbeResult{Output: strings.TrimSpace(res.Stdout)}
}

// Diagnose probes the target when sig carries no probe result yet, then
// classifies the signal and logs every issue found.
func (e *Engine) Diagnose(ctx context.Context, chain profile.Chain, sig Signal) *Report {
	if sig.Probe == nil {
		sig.Probe = e.Probe(ctx, chain)
	}

	report := Classify(sig)
	for _, issue := range report.Issues {
		level := slog.LevelWarn
		if issue.Severity == SeverityLow {
			level = slog.LevelInfo
		}
		e.log.Log(ctx, level, "Issue found",
			"category", issue.Category.String(),
			"severity", issue.Severity.String(),
			"evidence", issue.Evidence,
		)
	}
	return report
}

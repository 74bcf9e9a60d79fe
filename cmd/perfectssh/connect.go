package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/perfectssh/perfectssh/internal/connection"
	"github.com/perfectssh/perfectssh/internal/control/protocol"
	"github.com/perfectssh/perfectssh/internal/doctor"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/stats"
)

// runConnect keeps a tunnel up in the foreground. The exit code is the
// outcome's exit code.
func runConnect(args []string) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	configPath := fs.String("config", defaultTunnelFile(), "Path to the tunnel configuration")
	socketPath := fs.String("socket", "", "Also serve the control socket at this path")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address")
	statsEvery := fs.Duration("stats-every", 5*time.Second, "Print traffic stats at this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configInvalid := connection.OutcomeConfigInvalid.ExitCode()

	settings, err := common.load()
	if err != nil {
		return fail(configInvalid, "%v", err)
	}
	if *metricsAddr != "" {
		settings.MetricsAddr = *metricsAddr
	}

	journal, closeLog, err := common.setupLogging(settings, logging.FormatText)
	if err != nil {
		return fail(1, "%v", err)
	}
	defer closeLog()

	cfg, err := profile.LoadFile(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return fail(configInvalid, "invalid tunnel configuration: %v", err)
	}

	d, err := newDaemon(settings, journal)
	if err != nil {
		return fail(configInvalid, "%v", err)
	}
	d.events.AddSink(newPrinter(os.Stdout, *statsEvery).handle)

	if *socketPath != "" {
		if err := d.listen(*socketPath, ""); err != nil {
			return fail(1, "%v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	d.start(ctx)
	defer d.shutdown()

	if settings.MetricsAddr != "" {
		go func() {
			if err := d.metrics.Serve(ctx, settings.MetricsAddr); err != nil {
				slog.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	outcome, err := d.handler.Connect(ctx, *cfg)
	if outcome != connection.OutcomeSuccess {
		if err != nil {
			fmt.Fprintf(os.Stderr, "perfectssh: %v\n", err)
		}
		return outcome.ExitCode()
	}

	fmt.Printf("SOCKS5 proxy on 127.0.0.1:%d via %s (Ctrl-C to disconnect)\n", cfg.LocalPort, cfg.Chain())

	select {
	case <-ctx.Done():
		if st := d.manager.Status().Stats; st != nil {
			fmt.Printf("Session: %s\n", stats.FormatSession(*st))
		}
		return connection.OutcomeSuccess.ExitCode()
	case err := <-d.gaveUp:
		fmt.Fprintf(os.Stderr, "perfectssh: tunnel lost: %v\n", err)
		if last := d.outcome(); last != connection.OutcomeSuccess {
			return last.ExitCode()
		}
		return connection.OutcomeNone.ExitCode()
	}
}

// printer renders daemon events for a terminal.
type printer struct {
	w          io.Writer
	statsEvery time.Duration
	now        func() time.Time

	mu        sync.Mutex
	lastStats time.Time
}

func newPrinter(w io.Writer, statsEvery time.Duration) *printer {
	return &printer{w: w, statsEvery: statsEvery, now: time.Now}
}

func (p *printer) handle(event *protocol.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Name {
	case protocol.EventStateChange:
		var data protocol.StateChangeData
		if json.Unmarshal(event.Data, &data) == nil {
			fmt.Fprintf(p.w, "state: %s -> %s\n", data.From, data.To)
		}
	case protocol.EventReport:
		var report doctor.Report
		if json.Unmarshal(event.Data, &report) == nil {
			printReport(p.w, &report)
		}
	case protocol.EventStats:
		var u stats.Update
		if p.statsEvery <= 0 || json.Unmarshal(event.Data, &u) != nil {
			return
		}
		now := p.now()
		if !p.lastStats.IsZero() && now.Sub(p.lastStats) < p.statsEvery {
			return
		}
		p.lastStats = now
		fmt.Fprintf(p.w, "traffic: %s\n", stats.FormatUpdate(u))
	case protocol.EventError:
		var data protocol.ErrorData
		if json.Unmarshal(event.Data, &data) != nil {
			return
		}
		fmt.Fprintf(p.w, "error (%s): %s\n", data.Kind, data.Message)
		if data.ManualFix != "" {
			fmt.Fprintf(p.w, "  fix: %s\n", data.ManualFix)
		}
	case protocol.EventOutcome:
		var data protocol.OutcomeData
		if json.Unmarshal(event.Data, &data) == nil {
			fmt.Fprintf(p.w, "outcome: %s (exit %d)\n", data.Outcome, data.ExitCode)
		}
	}
}

func printReport(w io.Writer, report *doctor.Report) {
	if len(report.Issues) == 0 {
		fmt.Fprintln(w, "diagnosis: no issues found")
		return
	}
	fmt.Fprintln(w, "diagnosis:")
	for _, issue := range report.Issues {
		fmt.Fprintf(w, "  %s\n", issue)
		if issue.ManualFix != "" {
			fmt.Fprintf(w, "    fix: %s\n", issue.ManualFix)
		}
	}
}

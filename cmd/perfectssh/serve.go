package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
)

// runServe runs the daemon until SIGINT or SIGTERM.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	configPath := fs.String("config", defaultTunnelFile(), "Path to the tunnel configuration")
	socketPath := fs.String("socket", "", "Path to the control socket (default from settings)")
	socketGroup := fs.String("socket-group", "", "Group allowed to use the control socket")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address")
	autoConnect := fs.Bool("connect", false, "Connect with the loaded configuration on startup")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	settings, err := common.load()
	if err != nil {
		return fail(2, "%v", err)
	}
	if *socketPath != "" {
		settings.ControlSocket = *socketPath
	}
	if *metricsAddr != "" {
		settings.MetricsAddr = *metricsAddr
	}

	journal, closeLog, err := common.setupLogging(settings, logging.FormatJSON)
	if err != nil {
		return fail(1, "%v", err)
	}
	defer closeLog()

	slog.Info("Starting perfectssh daemon", "version", version, "client", settings.Client)

	d, err := newDaemon(settings, journal)
	if err != nil {
		slog.Error("Failed to initialise", "error", err)
		return 2
	}

	watcher, err := profile.NewWatcher(*configPath)
	switch {
	case err == nil:
		defer watcher.Close()
		d.handler.SetConfigSource(func() (*profile.Config, error) {
			return watcher.Current(), nil
		})
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("No tunnel configuration file; connect requests must carry one", "path", *configPath)
	default:
		slog.Error("Failed to load tunnel configuration", "path", *configPath, "error", err)
		return 2
	}

	if err := d.listen(settings.ControlSocket, *socketGroup); err != nil {
		slog.Error("Failed to start control server", "error", err)
		return 1
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)
	d.start(ctx)

	if settings.MetricsAddr != "" {
		g.Go(func() error { return d.metrics.Serve(ctx, settings.MetricsAddr) })
	}
	g.Go(func() error { return watchdogLoop(ctx) })

	if *autoConnect && watcher != nil {
		g.Go(func() error {
			cfg := watcher.Current()
			if err := cfg.Validate(); err != nil {
				slog.Error("Not connecting on startup", "error", err)
				return nil
			}
			outcome, err := d.handler.Connect(ctx, *cfg)
			if err != nil {
				slog.Warn("Startup connect failed", "outcome", outcome.String(), "error", err)
			}
			return nil
		})
	}

	notifySystemd("READY=1")
	slog.Info("Daemon ready", "socket", settings.ControlSocket)

	<-ctx.Done()
	slog.Info("Shutting down")
	notifySystemd("STOPPING=1")

	d.shutdown()
	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Daemon stopped with error", "error", err)
		code = 1
	}
	slog.Info("Shutdown complete")
	return code
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/perfectssh/perfectssh/internal/config"
	"github.com/perfectssh/perfectssh/internal/connection"
	"github.com/perfectssh/perfectssh/internal/control/handler"
	"github.com/perfectssh/perfectssh/internal/control/protocol"
	"github.com/perfectssh/perfectssh/internal/control/server"
	"github.com/perfectssh/perfectssh/internal/doctor"
	"github.com/perfectssh/perfectssh/internal/keyring"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/metrics"
	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/reconnect"
	"github.com/perfectssh/perfectssh/internal/remote"
	"github.com/perfectssh/perfectssh/internal/tunnel"
)

// keepaliveInterval is used for every SSH client the library dialer opens.
const keepaliveInterval = 15 * time.Second

// commonFlags are accepted by every command that loads settings.
type commonFlags struct {
	settingsPath string
	debug        bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.settingsPath, "settings", "", "Path to settings.json (default: $XDG_CONFIG_HOME/perfectssh/settings.json)")
	fs.BoolVar(&c.debug, "debug", os.Getenv(logging.DebugEnv) == "1", "Enable debug logging")
}

func (c *commonFlags) load() (*config.Settings, error) {
	return config.LoadSettings(c.settingsPath)
}

func (c *commonFlags) setupLogging(s *config.Settings, format logging.Format) (*logging.Journal, func() error, error) {
	level := logging.LevelInfo
	if c.debug {
		level = logging.LevelDebug
	}
	return logging.Setup(logging.Options{Level: level, Format: format, File: s.LogFile})
}

func defaultTunnelFile() string {
	paths, err := config.GetPaths()
	if err != nil {
		return config.TunnelFileName
	}
	return paths.TunnelFile
}

// stack is the remote access layer built from settings.
type stack struct {
	exec     remote.Executor
	launcher tunnel.Launcher
	engine   *doctor.Engine
	repairer *doctor.Repairer
}

func newStack(s *config.Settings) (*stack, error) {
	hostKeys, err := remote.NewHostKeyStore(s.KnownHostsFile, s.HostKeyPolicy)
	if err != nil {
		return nil, err
	}
	resolver := keyring.NewResolver()
	dialer := remote.NewDialer(remote.Options{
		ConnectTimeout:    s.ConnectTimeout.Std(),
		HostKeys:          hostKeys,
		Resolver:          resolver,
		KeepaliveInterval: keepaliveInterval,
	})
	exec := remote.NewSSHExecutor(dialer)

	var launcher tunnel.Launcher
	switch s.Client {
	case config.ClientOpenSSH:
		launcher = tunnel.NewCommandLauncher(tunnel.CommandOptions{
			SSHPath:        s.SSHPath,
			SSHPassPath:    s.SSHPassPath,
			KnownHostsFile: s.KnownHostsFile,
			StrictHostKeys: s.HostKeyPolicy == config.HostKeyStrict,
			ConnectTimeout: s.ConnectTimeout.Std(),
			HealthTimeout:  s.HealthTimeout.Std(),
			Resolver:       resolver,
		})
	default:
		launcher = tunnel.NewSSHLauncher(dialer, s.HealthTimeout.Std())
	}

	return &stack{
		exec:     exec,
		launcher: launcher,
		engine:   doctor.NewEngine(exec, s.CommandTimeout.Std()),
		repairer: doctor.NewRepairer(exec, launcher.Probe, s.CommandTimeout.Std()),
	}, nil
}

// trackingManager remembers the last configuration passed to Connect so
// that a dropped tunnel is re-established with the same one.
type trackingManager struct {
	*connection.Manager

	mu   sync.Mutex
	last *profile.Config
}

func (t *trackingManager) Connect(ctx context.Context, cfg profile.Config) (connection.Outcome, error) {
	t.mu.Lock()
	t.last = &cfg
	t.mu.Unlock()
	return t.Manager.Connect(ctx, cfg)
}

func (t *trackingManager) LastConfig() (profile.Config, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return profile.Config{}, false
	}
	return *t.last, true
}

// daemon wires the connection manager to the control plane, metrics and
// the reconnect scheduler. Both connect and serve run one.
type daemon struct {
	settings  *config.Settings
	stack     *stack
	metrics   *metrics.Metrics
	manager   *trackingManager
	handler   *handler.Handler
	scheduler *reconnect.Scheduler
	events    *safeBroadcaster
	server    *server.Server
	log       *slog.Logger

	mu          sync.Mutex
	lastOutcome connection.Outcome

	// gaveUp receives the error of a drop that will not be recovered.
	gaveUp chan error
}

func newDaemon(s *config.Settings, journal *logging.Journal) (*daemon, error) {
	st, err := newStack(s)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	mgr := &trackingManager{Manager: connection.New(connection.Options{
		Launcher:       st.launcher,
		Diagnoser:      st.engine,
		Repairer:       st.repairer,
		Policy:         s.Policy(),
		HealthTimeout:  s.HealthTimeout.Std(),
		SampleInterval: s.SampleInterval.Std(),
		Metrics:        m,
	})}

	// The handler is created before the server exists.
	events := &safeBroadcaster{}
	h := handler.New(mgr, journal, events.Broadcast)

	d := &daemon{
		settings:  s,
		stack:     st,
		metrics:   m,
		manager:   mgr,
		handler:   h,
		scheduler: reconnect.NewScheduler(s.Policy(), s.AutoReconnect),
		events:    events,
		log:       logging.Component("daemon"),
		gaveUp:    make(chan error, 1),
	}

	d.scheduler.SetConnectFunc(d.reconnect)
	d.scheduler.SetCallbacks(reconnect.Callbacks{
		OnReconnecting: func(attempt int) {
			d.log.Info("Reconnecting", "attempt", attempt, "max", s.Retry.MaxAttempts)
		},
		OnFailed: d.giveUp,
	})
	h.SetHooks(handler.Hooks{
		OnOutcome:        d.onOutcome,
		BeforeDisconnect: d.beforeDisconnect,
	})
	mgr.OnDrop(d.onDrop)

	return d, nil
}

// listen starts the control socket server.
func (d *daemon) listen(socketPath, group string) error {
	srv := server.NewServerWithGroup(socketPath, group, d.handler.HandleRequest)
	d.events.SetServer(srv)
	if err := srv.Start(); err != nil {
		d.events.SetServer(nil)
		return err
	}
	d.server = srv
	return nil
}

// start binds contexts for connect requests and reconnects.
func (d *daemon) start(ctx context.Context) {
	d.handler.SetContext(ctx)
	d.scheduler.SetContext(ctx)
}

func (d *daemon) reconnect(ctx context.Context) error {
	cfg, ok := d.manager.LastConfig()
	if !ok {
		return errors.New("no configuration to reconnect with")
	}
	outcome, err := d.handler.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	if outcome != connection.OutcomeSuccess {
		return fmt.Errorf("reconnect finished with outcome %s", outcome)
	}
	return nil
}

func (d *daemon) onOutcome(outcome connection.Outcome, _ error) {
	d.mu.Lock()
	d.lastOutcome = outcome
	d.mu.Unlock()
	if outcome == connection.OutcomeSuccess {
		d.scheduler.OnConnectionSucceeded()
	}
}

func (d *daemon) outcome() connection.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOutcome
}

func (d *daemon) beforeDisconnect() {
	d.scheduler.SetUserDisconnect()
	d.scheduler.Cancel()
}

func (d *daemon) onDrop(err error) {
	if d.scheduler.HandleDrop() {
		return
	}
	d.giveUp(err)
}

func (d *daemon) giveUp(err error) {
	d.log.Warn("Tunnel will not be re-established", "error", err)
	select {
	case d.gaveUp <- err:
	default:
	}
}

// shutdown disconnects and stops the control socket.
func (d *daemon) shutdown() {
	d.beforeDisconnect()
	d.handler.Shutdown()
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.log.Warn("Failed to stop control server", "error", err)
		}
	}
}

// safeBroadcaster forwards events to the control server and to local sinks.
// The handler is constructed before the server, so the server is set later.
type safeBroadcaster struct {
	mu    sync.RWMutex
	srv   *server.Server
	sinks []func(*protocol.Event)
}

// SetServer sets the server for broadcasting.
func (b *safeBroadcaster) SetServer(srv *server.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.srv = srv
}

// AddSink registers a local consumer of every event.
func (b *safeBroadcaster) AddSink(fn func(*protocol.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, fn)
}

// Broadcast sends an event to all connected clients and sinks.
func (b *safeBroadcaster) Broadcast(event *protocol.Event) {
	b.mu.RLock()
	srv := b.srv
	sinks := b.sinks
	b.mu.RUnlock()

	if srv != nil {
		srv.Broadcast(event)
	}
	for _, fn := range sinks {
		fn(event)
	}
}

// Package app wires ebbridge together: configuration, logging, the event
// bus, the transport, the bridge, the script scheduler and the script
// watcher. It manages the application lifecycle.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/ebbridge/internal/bridge"
	"github.com/dshills/ebbridge/internal/config"
	"github.com/dshills/ebbridge/internal/event"
	"github.com/dshills/ebbridge/internal/host"
	"github.com/dshills/ebbridge/internal/logging"
	"github.com/dshills/ebbridge/internal/transport"
	"github.com/dshills/ebbridge/internal/transport/memory"
	"github.com/dshills/ebbridge/internal/transport/tcpbridge"
	"github.com/dshills/ebbridge/internal/watcher"
)

// Options configures the application. Non-empty fields override the
// loaded configuration.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// Config replaces loading from ConfigPath and the environment.
	Config *config.Config

	// Scripts replaces the configured script paths.
	Scripts []string

	// Address replaces the configured bridge address.
	Address string

	// Transport replaces the configured transport.
	Transport string

	// LogLevel sets the logging verbosity.
	LogLevel string

	// Watch enables script hot reload regardless of configuration.
	Watch bool

	// Logger replaces the configured logger.
	Logger *zap.Logger
}

// Application is the central coordinator for all ebbridge components.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
	undo   func()

	events    event.Bus
	broker    *memory.Broker
	bridge    *bridge.Bridge
	scheduler *host.Scheduler

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping bool
	running  atomic.Bool
	closed  atomic.Bool
}

// New creates the application and loads the scripts.
func New(opts Options) (*Application, error) {
	app := &Application{}
	if err := app.bootstrap(opts); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

// bootstrap initializes all components in dependency order.
func (app *Application) bootstrap(opts Options) error {
	// 1. Config
	cfg, err := LoadConfig(opts)
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}
	app.cfg = cfg

	// 2. Logging
	if opts.Logger != nil {
		app.logger = opts.Logger
		app.level = zap.NewAtomicLevelAt(logging.ParseLevel(cfg.Log.Level))
	} else {
		logger, level, err := logging.Setup(cfg.Log)
		if err != nil {
			return &InitError{Component: "logging", Err: err}
		}
		app.logger = logger
		app.level = level
		app.undo = logging.Install(logger)
	}

	// 3. Event bus
	app.events = event.NewBus(event.WithErrorHandler(func(ev event.Event, err error) {
		app.logger.Warn("event handler failed", zap.String("topic", ev.Topic.String()), zap.Error(err))
	}))

	// 4. Transport
	dialer := app.dialer()

	// 5. Bridge
	b, err := bridge.New(dialer,
		bridge.WithLogger(app.logger.Named("bridge")),
		bridge.WithEventBus(app.events),
		bridge.WithRequestTimeout(cfg.Bridge.RequestTimeout.Std()),
		bridge.WithHeaders(cfg.Bridge.Headers),
	)
	if err != nil {
		return &InitError{Component: "bridge", Err: err}
	}
	app.bridge = b

	// 6. Scheduler
	sched, err := host.New(b,
		host.WithLogger(app.logger.Named("host")),
		host.WithEventBus(app.events),
		host.WithTick(cfg.Scheduler.Tick.Std()),
		host.WithExecutionTimeout(cfg.Scheduler.ExecutionTimeout.Std()),
		host.WithDefaultAddress(cfg.Bridge.Address),
	)
	if err != nil {
		return &InitError{Component: "scheduler", Err: err}
	}
	app.scheduler = sched

	// 7. Scripts
	paths, err := watcher.Resolve(cfg.Scripts.Paths, cfg.Scripts.Extension)
	if err != nil {
		app.logger.Warn("resolving scripts", zap.Error(err))
	}
	if len(paths) == 0 {
		return &InitError{Component: "scripts", Err: ErrNoScripts}
	}
	if err := sched.Load(paths); err != nil {
		// A broken script is skipped; the rest still run.
		app.logger.Warn("some scripts failed to load", zap.Error(err))
	}

	app.logger.Info("ebbridge initialized",
		zap.String("transport", cfg.Bridge.Transport),
		zap.String("address", cfg.Bridge.Address),
		zap.Strings("scripts", paths))
	return nil
}

// LoadConfig returns the configuration New would use: opts.Config or the
// file and environment, with the option overrides applied and validated.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, opts Options) {
	if len(opts.Scripts) > 0 {
		cfg.Scripts.Paths = opts.Scripts
	}
	if opts.Address != "" {
		cfg.Bridge.Address = opts.Address
	}
	if opts.Transport != "" {
		cfg.Bridge.Transport = opts.Transport
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Watch {
		cfg.Scripts.Watch = true
	}
}

func (app *Application) dialer() transport.Dialer {
	cfg := app.cfg.Bridge
	if cfg.Transport == config.TransportMemory {
		app.broker = memory.NewBroker(app.logger.Named("memory"))
		for _, address := range app.cfg.Memory.Echo {
			app.broker.Echo(address)
		}
		return app.broker.Dialer()
	}
	return tcpbridge.NewDialer(
		tcpbridge.WithDialTimeout(cfg.DialTimeout.Std()),
		tcpbridge.WithPingInterval(cfg.PingInterval.Std()),
		tcpbridge.WithWriteTimeout(cfg.WriteTimeout.Std()),
		tcpbridge.WithLogger(app.logger.Named("tcpbridge")),
	)
}

// Run runs the scheduler, and the script watcher when enabled, until ctx is
// done or Shutdown is called.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.mu.Lock()
	if app.stopping {
		app.mu.Unlock()
		app.cleanup()
		return nil
	}
	app.cancel = cancel
	app.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.scheduler.Run(ctx)
	})

	if app.cfg.Scripts.Watch {
		sw, err := watcher.NewScriptWatcher(app.cfg.Scripts.Paths, app.scheduler.Reload,
			watcher.WithDelay(app.cfg.Scripts.WatchDelay.Std()),
			watcher.WithExtension(app.cfg.Scripts.Extension),
			watcher.WithLogger(app.logger.Named("watcher")),
		)
		if err != nil {
			// Hot reload is optional.
			app.logger.Warn("script watcher disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				return sw.Run(ctx)
			})
		}
	}

	err := g.Wait()
	app.cleanup()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StopAll stops every script thread and disconnects the bridge. Scripts stay
// loaded.
func (app *Application) StopAll() {
	app.scheduler.StopAll()
}

// Reload reloads every script from the configured paths.
func (app *Application) Reload() {
	paths, err := watcher.Resolve(app.cfg.Scripts.Paths, app.cfg.Scripts.Extension)
	if err != nil {
		app.logger.Warn("resolving scripts", zap.Error(err))
	}
	app.scheduler.Reload(paths)
}

// Shutdown stops Run, which then releases every component. Without a
// running loop the components are released directly. It is safe to call
// more than once.
func (app *Application) Shutdown() {
	app.mu.Lock()
	app.stopping = true
	cancel := app.cancel
	app.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !app.running.Load() {
		app.cleanup()
	}
}

// cleanup releases components in reverse initialization order.
func (app *Application) cleanup() {
	if !app.closed.CompareAndSwap(false, true) {
		return
	}
	if app.scheduler != nil {
		app.scheduler.Close()
	}
	if app.bridge != nil {
		app.bridge.Close()
	}
	if app.broker != nil {
		app.broker.DropAll()
	}
	if app.events != nil {
		app.events.Close()
	}
	if app.logger != nil {
		app.logger.Info("ebbridge stopped")
		_ = app.logger.Sync()
	}
	if app.undo != nil {
		app.undo()
	}
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Logger returns the application logger.
func (app *Application) Logger() *zap.Logger {
	return app.logger
}

// SetLogLevel changes the logging level while running.
func (app *Application) SetLogLevel(level string) {
	app.level.SetLevel(logging.ParseLevel(level))
}

// EventBus returns the host event bus.
func (app *Application) EventBus() event.Bus {
	return app.events
}

// Bridge returns the event-bus bridge.
func (app *Application) Bridge() *bridge.Bridge {
	return app.bridge
}

// Scheduler returns the script scheduler.
func (app *Application) Scheduler() *host.Scheduler {
	return app.scheduler
}

// Broker returns the in-process broker, or nil for the tcp transport.
func (app *Application) Broker() *memory.Broker {
	return app.broker
}

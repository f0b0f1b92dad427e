package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/lightmux/internal/config"
	"github.com/harun/lightmux/internal/logger"
	"github.com/harun/lightmux/internal/logstream"
	"github.com/harun/lightmux/internal/observability"
	"github.com/harun/lightmux/internal/tracing"
	"github.com/harun/lightmux/pkg/chainspec"
	"github.com/harun/lightmux/pkg/engine/loopback"
	"github.com/harun/lightmux/pkg/gateway"
	"github.com/harun/lightmux/pkg/scheduler"
	"github.com/harun/lightmux/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	secretFileName = "gateway.secret"
	stopTimeout    = 10 * time.Second
)

// newWatcher is swapped in tests.
var newWatcher = chainspec.NewWatcher

// Daemon wires the engine, session manager, chain specs, scheduler and gateway into one process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	logs   *logstream.Stream

	engine    *loopback.Engine
	sessions  *session.Manager
	chains    *chainspec.Store
	watcher   *chainspec.Watcher
	scheduler *scheduler.Scheduler
	gateway   *gateway.Server
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	// cancels response loggers and the event loop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	Sessions    []session.Info
	Schedules   int
	ChainSpecs  int
	GatewayAddr string
}

// New builds a daemon from cfg. Nothing is started until Start. logs may be nil.
func New(cfg *config.Config, log *logger.Logger, logs *logstream.Stream) (_ *Daemon, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		config: cfg,
		logger: log,
		logs:   logs,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Engine.SystemVersion); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}
	if cfg.Metrics.Enabled {
		observability.EnsureRegistered()
	}

	d.engine = loopback.New(loopback.Config{
		SystemName:          cfg.Engine.SystemName,
		SystemVersion:       cfg.Engine.SystemVersion,
		MaxSessions:         cfg.Engine.MaxSessions,
		MaxPendingResponses: cfg.Engine.MaxPendingResponses,
	})

	d.sessions = session.NewManager(
		session.WithStrictListen(),
		session.WithLogger(log.Component("session")),
	)
	d.sessions.Initialize(d.engine)

	d.chains = chainspec.NewStore(cfg.ChainSpecs.Dir)
	if err := d.chains.Load(); err != nil {
		// Valid specs are still usable; the broken ones are reported and skipped.
		log.Warn().Err(err).Str("dir", cfg.ChainSpecs.Dir).Msg("Some chain specs failed to load")
	}
	if cfg.ChainSpecs.Watch && dirExists(cfg.ChainSpecs.Dir) {
		watcher, werr := newWatcher(d.chains, 0, d.onChainSpecChange)
		if werr != nil {
			log.Warn().Err(werr).Msg("Chain spec watcher unavailable")
		} else {
			d.watcher = watcher
			defer func() {
				if err != nil {
					_ = watcher.Stop()
				}
			}()
		}
	}

	d.scheduler = scheduler.New(d.sessions)
	for _, sc := range cfg.Schedules {
		id, err := d.scheduler.Add(scheduler.Request{
			Session: sc.Session,
			Expr:    sc.Expr,
			Payload: sc.Payload,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add schedule for %s: %w", sc.Session, err)
		}
		log.Debug().Str("job", id).Str("session", sc.Session).Str("expr", sc.Expr).Msg("Schedule registered")
	}

	if cfg.Gateway.Enabled {
		secret, err := d.resolveSecret()
		if err != nil {
			return nil, err
		}
		srv, err := gateway.NewServer(gateway.Config{
			Host:              cfg.Gateway.Host,
			Port:              cfg.Gateway.Port,
			SharedSecret:      secret,
			TickInterval:      time.Duration(cfg.Gateway.TickIntervalSeconds) * time.Second,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			MaxConcurrent:     cfg.Gateway.MaxConcurrent,
			ServeMetrics:      cfg.Metrics.Enabled,
			Sessions:          d.sessions,
			Chains:            d.chains,
			Logs:              logs,
			Logger:            log.Component("gateway"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway: %w", err)
		}
		d.gateway = srv
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// resolveSecret returns the configured shared secret, or the one persisted in the data directory,
// generating and persisting a new one on first use.
func (d *Daemon) resolveSecret() (string, error) {
	if d.config.Gateway.SharedSecret != "" {
		return d.config.Gateway.SharedSecret, nil
	}

	path := filepath.Join(d.config.DataDir, secretFileName)
	if data, err := os.ReadFile(path); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read gateway secret: %w", err)
	}

	secret, err := gonanoid.New(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate gateway secret: %w", err)
	}
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write gateway secret: %w", err)
	}
	d.logger.Info().Str("path", path).Msg("Generated gateway shared secret")
	return secret, nil
}

// Start boots the configured sessions and starts every service.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting lightmux daemon")

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	ctx = tracing.WithTraceID(ctx, traceID)

	if err := d.start(ctx, logger); err != nil {
		logger.Error().Err(err).Msg("Daemon failed to start, rolling back")
		d.teardown(logger)
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(ctx)
	}()

	logger.Info().
		Int("sessions", len(d.sessions.List())).
		Int("schedules", d.scheduler.Len()).
		Msg("lightmux daemon started")
	return nil
}

func (d *Daemon) start(ctx context.Context, logger zerolog.Logger) error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.bootSessions(ctx, logger); err != nil {
		return err
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start chain spec watcher")
		} else {
			logger.Info().Str("dir", d.chains.Dir()).Msg("Chain spec watcher started")
		}
	}

	d.scheduler.Start()

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")
	}
	return nil
}

// Stop shuts services down in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping lightmux daemon")

	err := d.teardown(logger)

	logger.Info().Msg("lightmux daemon stopped")
	return err
}

func (d *Daemon) teardown(logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error

	if d.gateway != nil {
		if err := d.gateway.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
			errs = append(errs, err)
		}
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
		errs = append(errs, err)
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop chain spec watcher")
		}
	}

	if err := d.sessions.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop sessions")
		errs = append(errs, err)
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.config.Tracing.Enabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:    d.running,
		Sessions:   d.sessions.List(),
		Schedules:  d.scheduler.Len(),
		ChainSpecs: d.chains.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		if d.gateway != nil {
			status.GatewayAddr = d.gateway.Addr()
		}
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Sessions returns the session manager.
func (d *Daemon) Sessions() *session.Manager {
	return d.sessions
}

// ChainSpecs returns the chain spec store.
func (d *Daemon) ChainSpecs() *chainspec.Store {
	return d.chains
}

// Scheduler returns the request scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Gateway returns the gateway server, or nil when it is disabled.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

func (d *Daemon) onChainSpecChange(name string, spec chainspec.Spec, removed bool) {
	if removed {
		d.logger.Info().Str("chain", name).Msg("Chain spec removed")
	} else {
		d.logger.Info().Str("chain", name).Str("chain_id", spec.ChainID).Msg("Chain spec reloaded")
	}
	if d.gateway != nil {
		d.gateway.Broadcast("chains.changed", map[string]interface{}{
			"name":    name,
			"removed": removed,
		})
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

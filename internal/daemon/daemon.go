package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/idham/relay/internal/config"
	"github.com/idham/relay/internal/logger"
	"github.com/idham/relay/internal/observability"
	"github.com/idham/relay/internal/tracing"
	"github.com/idham/relay/pkg/agentloop"
	"github.com/idham/relay/pkg/api"
	"github.com/idham/relay/pkg/convstore"
	"github.com/idham/relay/pkg/registry"
	"github.com/idham/relay/pkg/stream"
	"github.com/idham/relay/pkg/taskmanager"
	"github.com/idham/relay/pkg/team"
	"github.com/idham/relay/pkg/toolrunner"
)

// Daemon is the relay runtime: the conversation store, agent registry,
// stream broker, task manager, tool runner, agent loop and HTTP front door,
// wired together and managed as one unit.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *convstore.Store
	retention *convstore.Retention
	registry  *registry.Registry
	broker    *stream.Broker
	tasks     *taskmanager.Manager
	tools     *toolrunner.Runner
	teams     *team.Registry
	teamWatch *team.Watcher
	loop      *agentloop.Loop
	apiServer *api.Server

	pidFile   string
	running   bool
	startTime time.Time
	mu        sync.RWMutex
}

// Status describes the daemon's runtime state.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	Sessions  int           `json:"sessions"`
	Teams     []string      `json:"teams"`
}

// New wires a daemon from configuration. Nothing is started yet; call Start.
func New(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := log.GetZerolog()

	if err := tracing.InitOpenTelemetry("relay"); err != nil {
		zl.Warn().Err(err).Msg("OpenTelemetry init failed, tracing disabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := convstore.New(convstore.Config{
		Path:             cfg.Store.Path,
		ScratchpadWindow: cfg.Store.ScratchpadWindow,
		Logger:           zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}

	retention, err := convstore.NewRetention(
		store,
		cfg.Store.RetentionSchedule,
		time.Duration(cfg.Store.RetentionDays)*24*time.Hour,
		zl,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retention job: %w", err)
	}

	reg := registry.New(cfg.Registry.Capacity, cfg.Registry.CleanupThreshold)
	broker := stream.NewBroker(cfg.Stream.BufferSize)
	tasks := taskmanager.New()

	tools := toolrunner.New(toolrunner.Config{
		MaxRetries: cfg.Loop.MaxRetries,
		RetryDelay: time.Duration(cfg.Loop.RetryDelayMs) * time.Millisecond,
		Timeout:    5 * time.Minute, // generous: ask_user blocks on a human
		Usage:      store,
		Logger:     zl,
	})
	if err := tools.Register(agentloop.AskUserTool(reg, broker)); err != nil {
		return nil, fmt.Errorf("failed to register ask_user tool: %w", err)
	}

	var teams *team.Registry
	var teamWatch *team.Watcher
	if cfg.Teams.Dir != "" {
		if err := os.MkdirAll(cfg.Teams.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create teams directory: %w", err)
		}
		teams, err = team.NewRegistry(cfg.Teams.Dir, zl)
		if err != nil {
			return nil, fmt.Errorf("failed to load teams: %w", err)
		}
		if cfg.Teams.HotReload {
			teamWatch, err = team.NewWatcher(teams, zl)
			if err != nil {
				zl.Warn().Err(err).Msg("Team hot reload unavailable")
			}
		}
	}

	profiles := make([]agentloop.Profile, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		profiles = append(profiles, agentloop.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}

	loop, err := agentloop.New(agentloop.Config{
		Registry:      reg,
		Broker:        broker,
		Store:         store,
		Tools:         tools,
		Teams:         teams,
		Profiles:      profiles,
		MaxIterations: cfg.Loop.MaxIterations,
		HistoryWindow: cfg.Loop.HistoryWindow,
		MaxRetries:    cfg.Loop.MaxRetries,
		RetryDelay:    time.Duration(cfg.Loop.RetryDelayMs) * time.Millisecond,
		DefaultModel:  cfg.Loop.DefaultModel,
		Logger:        zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent loop: %w", err)
	}

	apiServer, err := api.NewServer(api.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Broker:             broker,
		Registry:           reg,
		Store:              store,
		Tasks:              tasks,
		Runner:             loop,
		Logger:             zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	return &Daemon{
		config:    cfg,
		logger:    log,
		store:     store,
		retention: retention,
		registry:  reg,
		broker:    broker,
		tasks:     tasks,
		tools:     tools,
		teams:     teams,
		teamWatch: teamWatch,
		loop:      loop,
		apiServer: apiServer,
		pidFile:   filepath.Join(cfg.DataDir, "relay.pid"),
	}, nil
}

// Start starts the daemon service.
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
	zl := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	zl.Info().Msg("Starting relay daemon")

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.retention.Start()
	zl.Info().Msg("Retention job started")

	go func() {
		if err := d.apiServer.Start(); err != nil {
			zl.Error().Err(err).Msg("API server exited")
		}
	}()
	zl.Info().
		Str("host", d.config.Server.Host).
		Int("port", d.config.Server.Port).
		Msg("API server started")

	if d.teams != nil {
		zl.Info().Strs("teams", d.teams.Names()).Msg("Teams active")
	}

	zl.Info().Msg("Daemon started successfully - all core modules active")
	return nil
}

// Stop stops the daemon gracefully: the HTTP front door first, then queued
// work, then persistence.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.GetZerolog()
	zl.Info().Msg("Stopping relay daemon")

	if err := d.apiServer.Stop(); err != nil {
		zl.Warn().Err(err).Msg("API server shutdown failed")
	}

	if d.teamWatch != nil {
		if err := d.teamWatch.Stop(); err != nil {
			zl.Warn().Err(err).Msg("Team watcher shutdown failed")
		}
	}

	d.retention.Stop()

	if !d.tasks.Drain(10 * time.Second) {
		zl.Warn().Msg("Task drain timed out, cancelling remaining work")
	}
	if err := d.tasks.Close(); err != nil {
		zl.Warn().Err(err).Msg("Task manager shutdown failed")
	}

	if err := d.store.Close(); err != nil {
		zl.Warn().Err(err).Msg("Conversation store close failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		zl.Warn().Err(err).Msg("OpenTelemetry shutdown failed")
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		zl.Warn().Err(err).Msg("PID file removal failed")
	}

	zl.Info().Msg("Daemon stopped")
	return d.logger.Close()
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zl := d.logger.GetZerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status reports the daemon's runtime state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.registry.SessionCount(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.teams != nil {
		status.Teams = d.teams.Names()
	}
	return status
}

// PIDFile returns the path of the daemon's PID file.
func (d *Daemon) PIDFile() string {
	return d.pidFile
}

func (d *Daemon) writePIDFile() error {
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Package agent runs the long-lived sqlstep agent: it owns the pooled
// connection cache so that consecutive job steps reuse database connections,
// and serves the CLI over IPC.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/willibrandon/sqlstep/internal/agent/health"
	"github.com/willibrandon/sqlstep/internal/agent/ipc"
	"github.com/willibrandon/sqlstep/internal/config"
	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
	"github.com/willibrandon/sqlstep/internal/runner"
	"github.com/willibrandon/sqlstep/internal/storage/sqlite"
)

// Version is set by ldflags during build.
var Version = "dev"

// State represents the agent's current operational state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Agent is the sqlstep agent process.
type Agent struct {
	mu     sync.RWMutex
	config *config.Config

	state     State
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	db        *sqlite.DB
	memory    *profile.MemoryStore // set when profiles come from the config file
	profiles  profile.Store
	runner    *runner.Runner
	retention *RetentionManager

	ipcServer  *ipc.Server
	httpServer *health.Server
	pidFile    string
}

// New creates a new Agent with the given configuration.
func New(cfg *config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config: cfg,
		state:  StateStopped,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start opens storage, builds the runner and starts the IPC and HTTP
// endpoints. On error everything started so far is torn down.
func (a *Agent) Start() (err error) {
	a.setState(StateStarting)
	a.startTime = time.Now()
	cfg := a.Config()

	logger.Info("Starting sqlstep agent", "version", Version, "pid", os.Getpid(), "config", cfg.File)

	defer func() {
		if err != nil {
			a.teardown()
			a.setState(StateStopped)
		}
	}()

	if cfg.Agent.PIDFile != "" {
		if err := WritePIDFile(cfg.Agent.PIDFile); err != nil {
			return err
		}
		a.pidFile = cfg.Agent.PIDFile
	}

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.db = db

	if err := a.openProfiles(cfg); err != nil {
		return err
	}

	history := sqlite.NewHistoryStore(db, cfg.Storage.HistoryLimit)
	a.runner = runner.New(runner.Options{
		Profiles:       a.profiles,
		Workspace:      cfg.Workspace(),
		DefaultMaxRows: cfg.Execution.DefaultMaxRows,
		History:        history,
		Observer: func(s executor.State, statement int) {
			logger.Debug("Execution state", "state", s.String(), "statement", statement)
		},
	})

	if cfg.Storage.HistoryRetention > 0 {
		a.retention = NewRetentionManager(history, cfg.Storage.HistoryRetention)
		a.retention.Start(a.ctx)
	}

	if cfg.Agent.IPC.Enabled {
		server, err := ipc.NewServer(cfg.Agent.IPC.Path)
		if err != nil {
			return fmt.Errorf("failed to create IPC server: %w", err)
		}
		ipc.NewHandlers(&agentIPCProvider{a: a}).RegisterAll(server)
		if err := server.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start IPC server: %w", err)
		}
		a.ipcServer = server
	} else {
		logger.Info("IPC server disabled")
	}

	if cfg.Agent.HTTP.Enabled {
		server := health.NewServer(health.ServerConfig{
			Port: cfg.Agent.HTTP.Port,
			Bind: cfg.Agent.HTTP.Bind,
		}, &agentHealthProvider{a: a})
		if err := server.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start HTTP health server: %w", err)
		}
		a.httpServer = server
	}

	if a.memory != nil && cfg.File != "" {
		if _, err := config.Watch(cfg.File, a.reload); err != nil {
			logger.Warn("Config file watch disabled", "file", cfg.File, "error", err)
		}
	}

	a.setState(StateRunning)
	logger.Info("sqlstep agent started")
	return nil
}

// openProfiles selects the profile source.
func (a *Agent) openProfiles(cfg *config.Config) error {
	store, err := OpenProfiles(a.ctx, cfg, a.db)
	if err != nil {
		return err
	}
	if memory, ok := store.(*profile.MemoryStore); ok {
		a.memory = memory
	}
	a.profiles = store
	return nil
}

// OpenProfiles returns the profile store cfg selects. The sqlite source is
// seeded with configured connections whose ids it does not hold yet; rows it
// already holds are never overwritten.
func OpenProfiles(ctx context.Context, cfg *config.Config, db *sqlite.DB) (profile.Store, error) {
	if cfg.Profiles.Source != config.ProfileSourceSQLite {
		memory, err := profile.NewMemoryStore(cfg.ConnectionProfiles())
		if err != nil {
			return nil, fmt.Errorf("invalid connection profiles: %w", err)
		}
		return memory, nil
	}

	store := sqlite.NewProfileStore(db)
	for _, p := range cfg.ConnectionProfiles() {
		if _, err := store.Lookup(ctx, p.ID); err == nil {
			continue
		} else if !errors.Is(err, profile.ErrNotFound) {
			return nil, fmt.Errorf("failed to read connection profiles: %w", err)
		}
		if err := store.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to seed connection profiles: %w", err)
		}
		logger.Info("Imported connection profile", "connection", p.ID)
	}
	return store, nil
}

// reload swaps in the connection profiles of a rewritten config file. Other
// settings take effect on restart.
func (a *Agent) reload(cfg *config.Config, err error) {
	if a.State() != StateRunning {
		return
	}
	if err != nil {
		logger.Warn("Config reload failed, keeping previous connections", "error", err)
		return
	}
	if err := a.memory.Replace(cfg.ConnectionProfiles()); err != nil {
		logger.Warn("Config reload rejected", "error", err)
		return
	}

	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()

	a.runner.ProfilesChanged()
}

// Stop gracefully shuts down the agent. In-flight executions are cancelled.
func (a *Agent) Stop() error {
	if a.State() == StateStopped {
		return nil
	}
	a.setState(StateStopping)
	logger.Info("Stopping sqlstep agent")

	a.teardown()

	a.setState(StateStopped)
	logger.Info("sqlstep agent stopped", "uptime", a.Uptime().Round(time.Second).String())
	return nil
}

func (a *Agent) teardown() {
	a.cancel()

	if a.ipcServer != nil {
		if err := a.ipcServer.Stop(); err != nil {
			logger.Warn("Failed to stop IPC server", "error", err)
		}
		a.ipcServer = nil
	}

	if a.httpServer != nil {
		if err := a.httpServer.Stop(); err != nil {
			logger.Warn("Failed to stop HTTP health server", "error", err)
		}
		a.httpServer = nil
	}

	if a.runner != nil {
		a.runner.Close()
	}

	if a.retention != nil {
		a.retention.Stop()
		a.retention = nil
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
		a.db = nil
	}

	if a.pidFile != "" {
		if err := RemovePIDFile(a.pidFile); err != nil {
			logger.Warn("Failed to remove PID file", "error", err)
		}
		a.pidFile = ""
	}
}

// Wait blocks until the agent is stopped.
func (a *Agent) Wait() {
	<-a.ctx.Done()
}

// State returns the current agent state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

// Config returns the agent configuration.
func (a *Agent) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// Runner returns the runner, or nil before Start.
func (a *Agent) Runner() *runner.Runner {
	return a.runner
}

// Uptime returns how long the agent has been running.
func (a *Agent) Uptime() time.Duration {
	if a.startTime.IsZero() {
		return 0
	}
	return time.Since(a.startTime)
}

// IPCPath returns the IPC endpoint, or "" when IPC is not running.
func (a *Agent) IPCPath() string {
	if a.ipcServer == nil {
		return ""
	}
	return a.ipcServer.Path()
}

// HTTPAddr returns the health endpoint address, or "" when HTTP is not
// running.
func (a *Agent) HTTPAddr() string {
	if a.httpServer == nil {
		return ""
	}
	return a.httpServer.Addr()
}

// agentIPCProvider implements ipc.AgentProvider to avoid import cycles.
type agentIPCProvider struct {
	a *Agent
}

func (p *agentIPCProvider) GetStatus() ipc.AgentStatus {
	cfg := p.a.Config()
	status := ipc.AgentStatus{
		State:         string(p.a.State()),
		StartTime:     p.a.startTime,
		Version:       Version,
		ConfigFile:    cfg.File,
		ProfileSource: cfg.Profiles.Source,
		IPC:           ipc.ComponentInfo{Status: "disabled"},
		HTTP:          ipc.ComponentInfo{Status: "disabled"},
	}
	if path := p.a.IPCPath(); path != "" {
		status.IPC = ipc.ComponentInfo{Status: "listening", Address: path}
	}
	if addr := p.a.HTTPAddr(); addr != "" {
		status.HTTP = ipc.ComponentInfo{Status: "listening", Address: addr}
	}
	return status
}

func (p *agentIPCProvider) GetRunner() *runner.Runner {
	return p.a.Runner()
}

// agentHealthProvider implements health.HealthProvider.
type agentHealthProvider struct {
	a *Agent
}

func (p *agentHealthProvider) GetState() string { return string(p.a.State()) }
func (p *agentHealthProvider) GetVersion() string { return Version }
func (p *agentHealthProvider) GetStartTime() time.Time { return p.a.startTime }
func (p *agentHealthProvider) IsIPCRunning() bool { return p.a.IPCPath() != "" }

func (p *agentHealthProvider) CacheStats() pool.Stats {
	if r := p.a.Runner(); r != nil {
		return r.Stats()
	}
	return pool.Stats{}
}

func (p *agentHealthProvider) CheckProfiles(ctx context.Context) (int, error) {
	r := p.a.Runner()
	if r == nil {
		return 0, fmt.Errorf("agent not started")
	}
	profiles, err := r.Profiles(ctx)
	if err != nil {
		return 0, err
	}
	return len(profiles), nil
}

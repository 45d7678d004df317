package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"

	"github.com/willibrandon/sqlstep/internal/config"
	"github.com/willibrandon/sqlstep/internal/logger"
)

// ServiceName is the name the agent is registered under.
const ServiceName = "sqlstep-agent"

// Service control errors.
var (
	ErrServiceInstalled    = errors.New("service already installed")
	ErrServiceNotInstalled = errors.New("service not installed")
	ErrServiceRunning      = errors.New("service already running")
	ErrServiceNotRunning   = errors.New("service not running")
)

// startWait bounds how long StartService waits for the service manager to
// report the agent as running.
const startWait = 5 * time.Second

// ServiceConfig holds configuration for creating the service.
type ServiceConfig struct {
	ConfigPath string
	UserMode   bool
	Debug      bool
}

// program adapts Agent to service.Program.
type program struct {
	agent *Agent
	cfg   ServiceConfig
}

// Start loads the configuration and starts the agent in the background;
// the service manager expects Start to return quickly.
func (p *program) Start(s service.Service) error {
	cfg, err := config.LoadFromPath(p.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if p.cfg.Debug || cfg.Debug {
		level = logger.LevelDebug
	}
	logPath := cfg.Log.Path
	if logPath == "" {
		logPath = logger.DefaultLogPath(ServiceName)
	}
	logger.InitLogger(level, logPath)

	a, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	p.agent = a

	go func() {
		if err := a.Start(); err != nil {
			logger.Error("Agent start failed", "error", err)
			// Exiting non-zero lets the service manager apply its restart policy.
			os.Exit(1)
		}
	}()
	return nil
}

// Stop stops the agent, closing every pooled connection.
func (p *program) Stop(s service.Service) error {
	defer logger.Close()
	if p.agent == nil {
		return nil
	}
	return p.agent.Stop()
}

// NewService builds the service definition for the current platform.
func NewService(svcConfig ServiceConfig) (service.Service, error) {
	def := &service.Config{
		Name:        ServiceName,
		DisplayName: "sqlstep agent",
		Description: "Keeps pooled database connections warm for sqlstep job steps.",
		Arguments:   []string{"run"},
		Option:      platformOptions(svcConfig.UserMode || userServiceInstalled()),
	}
	if svcConfig.ConfigPath != "" {
		def.Arguments = append(def.Arguments, "--config", svcConfig.ConfigPath)
	}
	if svcConfig.Debug {
		def.Arguments = append(def.Arguments, "--debug")
	}
	return service.New(&program{cfg: svcConfig}, def)
}

// platformOptions returns the restart policy for the host's service manager.
func platformOptions(user bool) service.KeyValue {
	opts := service.KeyValue{}
	if user {
		opts["UserService"] = true
	}
	switch runtime.GOOS {
	case "darwin":
		opts["KeepAlive"] = true
		opts["RunAtLoad"] = true
	case "linux":
		opts["Restart"] = "on-failure"
	case "windows":
		opts["OnFailure"] = "restart"
		opts["OnFailureDelayDuration"] = "5s"
		opts["OnFailureResetPeriod"] = 10
	}
	return opts
}

// Interactive reports whether the process runs from a terminal rather than
// under a service manager.
func Interactive() bool {
	return service.Interactive()
}

// RunService runs the agent under the service manager until it is told to
// stop.
func RunService(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return svc.Run()
}

// lookupService returns the service and its status. ErrServiceNotInstalled
// is returned when the service manager does not know the service.
func lookupService(svcConfig ServiceConfig) (service.Service, service.Status, error) {
	svc, err := NewService(svcConfig)
	if err != nil {
		return nil, service.StatusUnknown, fmt.Errorf("failed to create service: %w", err)
	}
	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return svc, service.StatusUnknown, ErrServiceNotInstalled
	}
	return svc, status, nil
}

// permissionAware wraps permission failures in PermissionError.
func permissionAware(op string, err error) error {
	if os.IsPermission(err) {
		return &PermissionError{Err: err}
	}
	return fmt.Errorf("failed to %s service: %w", op, err)
}

// Install registers the agent with the service manager.
func Install(svcConfig ServiceConfig) error {
	svc, _, err := lookupService(svcConfig)
	switch {
	case err == nil:
		return ErrServiceInstalled
	case !errors.Is(err, ErrServiceNotInstalled):
		return err
	}
	if err := svc.Install(); err != nil {
		return permissionAware("install", err)
	}
	return nil
}

// Uninstall stops the service if it runs and removes it.
func Uninstall() error {
	svc, status, err := lookupService(ServiceConfig{})
	if err != nil {
		return err
	}
	if status == service.StatusRunning {
		if err := svc.Stop(); err != nil {
			logger.Warn("Failed to stop service before uninstall", "error", err)
		}
	}
	if err := svc.Uninstall(); err != nil {
		return permissionAware("uninstall", err)
	}
	return nil
}

// StartService starts the installed service and waits until the service
// manager reports it running.
func StartService() error {
	svc, status, err := lookupService(ServiceConfig{})
	if err != nil {
		return err
	}
	if status == service.StatusRunning {
		return ErrServiceRunning
	}
	if err := svc.Start(); err != nil {
		return permissionAware("start", err)
	}

	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		if status, err := svc.Status(); err == nil && status == service.StatusRunning {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("service did not report running within %s (check the agent log)", startWait)
}

// StopService stops the running service.
func StopService() error {
	svc, status, err := lookupService(ServiceConfig{})
	if err != nil {
		return err
	}
	if status != service.StatusRunning {
		return ErrServiceNotRunning
	}
	if err := svc.Stop(); err != nil {
		return permissionAware("stop", err)
	}
	return nil
}

// ServiceState returns "running", "stopped", "not_installed" or "unknown".
func ServiceState() string {
	_, status, err := lookupService(ServiceConfig{})
	switch {
	case errors.Is(err, ErrServiceNotInstalled):
		return "not_installed"
	case err != nil:
		return "unknown"
	case status == service.StatusRunning:
		return "running"
	case status == service.StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// PermissionError indicates an operation requires elevated privileges.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo, or install with --user)"
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// userServiceInstalled reports whether a launchd user agent exists. Control
// commands then address the user domain without --user.
func userServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(home, "Library", "LaunchAgents", ServiceName+".plist"))
	return err == nil
}

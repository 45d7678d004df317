package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/willibrandon/sqlstep/internal/agent"
	"github.com/willibrandon/sqlstep/internal/agent/ipc"
	"github.com/willibrandon/sqlstep/internal/config"
	"github.com/willibrandon/sqlstep/internal/logger"
)

// Exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitConflict     = 2
	exitConfig       = 3
	exitPermission   = 4
	exitNotInstalled = 5
	exitNotRunning   = 6
)

// errConfig marks failures to load or apply the configuration.
var errConfig = errors.New("configuration error")

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
	userMode   bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sqlstep-agent",
		Short: "sqlstep connection agent",
		Long: `sqlstep-agent is a background daemon that keeps pooled database connections
open between job steps. The sqlstep CLI forwards executions to it over a local
socket, so consecutive steps against the same connection id reuse one pool.

Service Management:
  sqlstep-agent install [--user]   Install as system/user service
  sqlstep-agent uninstall          Remove the service
  sqlstep-agent start              Start the installed service
  sqlstep-agent stop               Stop the running service
  sqlstep-agent status [--json]    Show service status

Direct Run (for debugging):
  sqlstep-agent run [--debug]      Run in foreground mode`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/sqlstep/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newInstallCmd(),
		newUninstallCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	var permErr *agent.PermissionError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &permErr):
		return exitPermission
	case errors.Is(err, agent.ErrServiceInstalled),
		errors.Is(err, agent.ErrServiceRunning),
		errors.Is(err, agent.ErrAgentRunning):
		return exitConflict
	case errors.Is(err, errConfig):
		return exitConfig
	case errors.Is(err, agent.ErrServiceNotInstalled):
		return exitNotInstalled
	case errors.Is(err, agent.ErrServiceNotRunning):
		return exitNotRunning
	}
	return exitFailure
}

// newRunCmd creates the run subcommand. Under a service manager it hands
// control to kardianos/service; from a terminal it runs in the foreground.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run agent in foreground (for debugging)",
		Long:  `Run the agent in foreground mode. Useful for debugging and testing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent.Version = version
			if !agent.Interactive() {
				return agent.RunService(agent.ServiceConfig{ConfigPath: configPath, Debug: debug})
			}
			return runForeground()
		},
	}
}

// runForeground runs the agent until SIGINT or SIGTERM.
func runForeground() error {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	logLevel := logger.ParseLevel(cfg.Log.Level)
	if debug || cfg.Debug {
		logLevel = logger.LevelDebug
	}
	if cfg.Log.Path != "" {
		logger.InitLogger(logLevel, cfg.Log.Path)
	} else {
		logger.InitConsole(logLevel, os.Stderr)
	}
	defer logger.Close()

	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	if err := a.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)

	return a.Stop()
}

// newInstallCmd creates the install subcommand
func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install sqlstep-agent as a system service",
		Long: `Install sqlstep-agent as a system service that starts on boot.

Use --user to install as a user service (no elevated privileges required).
System service installation requires administrator/root privileges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcConfig := agent.ServiceConfig{
				ConfigPath: configPath,
				UserMode:   userMode,
				Debug:      debug,
			}

			if err := agent.Install(svcConfig); err != nil {
				if errors.Is(err, agent.ErrServiceInstalled) {
					return fmt.Errorf("%w; use 'sqlstep-agent uninstall' first to reinstall", err)
				}
				return err
			}

			fmt.Println("sqlstep-agent installed successfully")
			if userMode {
				fmt.Println("Installed as user service")
			} else {
				fmt.Println("Installed as system service")
			}
			fmt.Println("\nTo start the service:")
			fmt.Println("  sqlstep-agent start")
			return nil
		},
	}
	cmd.Flags().BoolVar(&userMode, "user", false, "install as user service instead of system")
	return cmd
}

// newUninstallCmd creates the uninstall subcommand
func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove sqlstep-agent service",
		Long:  `Remove the sqlstep-agent service. The service will be stopped if running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agent.Uninstall(); err != nil {
				return err
			}

			fmt.Println("sqlstep-agent uninstalled successfully")
			return nil
		},
	}
}

// newStartCmd creates the start subcommand
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the installed service",
		Long:  `Start the sqlstep-agent service. The service must be installed first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agent.StartService(); err != nil {
				if errors.Is(err, agent.ErrServiceNotInstalled) {
					return fmt.Errorf("%w; use 'sqlstep-agent install' first", err)
				}
				return err
			}

			fmt.Println("sqlstep-agent started")
			return nil
		},
	}
}

// newStopCmd creates the stop subcommand
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service",
		Long:  `Stop the sqlstep-agent service. Pooled connections are closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agent.StopService(); err != nil {
				return err
			}

			fmt.Println("sqlstep-agent stopped")
			return nil
		},
	}
}

// agentStatus is the status subcommand output.
type agentStatus struct {
	Service string            `json:"service"`
	PID     int               `json:"pid,omitempty"`
	Agent   *ipc.StatusResult `json:"agent,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// newStatusCmd creates the status subcommand
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status and health",
		Long: `Show service status including:
  - Service state (running/stopped/not installed)
  - Process ID and uptime
  - Endpoints and pooled connections
  - Recent warnings and errors`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromPath(configPath)
			if err != nil {
				return fmt.Errorf("%w: %w", errConfig, err)
			}

			status := agentStatus{Service: agent.ServiceState()}
			if running, pid, err := agent.Running(cfg.Agent.PIDFile); err == nil && running {
				status.PID = pid
			}

			// A foreground agent is reachable even when no service is installed.
			if client, err := ipc.NewClient(cfg.Agent.IPC.Path); err == nil {
				if res, err := client.Status(); err == nil {
					status.Agent = res
				} else {
					status.Error = err.Error()
				}
				client.Close()
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
			} else {
				printHumanStatus(status)
			}

			// The report is already printed; only the exit code remains.
			switch {
			case status.Agent != nil:
				os.Exit(exitOK)
			case status.Service == "not_installed":
				os.Exit(exitNotInstalled)
			default:
				os.Exit(exitNotRunning)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

var (
	labelFormat = color.New(color.FgHiBlack).SprintFunc()
	goodFormat  = color.New(color.FgGreen).SprintFunc()
	warnFormat  = color.New(color.FgHiYellow).SprintFunc()
	badFormat   = color.New(color.FgHiRed).SprintFunc()
)

// printHumanStatus prints the status in human-readable format.
func printHumanStatus(status agentStatus) {
	state := status.Service
	if status.Agent != nil {
		state = status.Agent.State
	}
	stateText := badFormat(state)
	if state == "running" {
		stateText = goodFormat(state)
	}
	fmt.Printf("sqlstep-agent status: %s\n", stateText)
	if status.Agent == nil {
		if status.Error != "" {
			fmt.Printf("  %s %s\n", labelFormat("Error:"), status.Error)
		}
		switch status.Service {
		case "not_installed":
			fmt.Println("\nTo install the service:")
			fmt.Println("  sqlstep-agent install")
		case "stopped":
			fmt.Println("\nTo start the service:")
			fmt.Println("  sqlstep-agent start")
		}
		return
	}

	a := status.Agent
	fmt.Printf("  %s          %d\n", labelFormat("PID:"), a.PID)
	fmt.Printf("  %s       %s (since %s)\n", labelFormat("Uptime:"),
		strings.TrimSpace(humanize.RelTime(a.StartTime, time.Now(), "", "")), a.StartTime.Format(time.RFC3339))
	fmt.Printf("  %s      %s\n", labelFormat("Version:"), a.Version)
	fmt.Printf("  %s      %s\n", labelFormat("Service:"), status.Service)
	if a.ConfigFile != "" {
		fmt.Printf("  %s       %s\n", labelFormat("Config:"), a.ConfigFile)
	}
	fmt.Printf("  %s     %d (%s)\n", labelFormat("Profiles:"), a.Profiles, a.ProfileSource)
	fmt.Printf("  %s          %s %s\n", labelFormat("IPC:"), a.IPC.Status, a.IPC.Address)
	fmt.Printf("  %s         %s %s\n", labelFormat("HTTP:"), a.HTTP.Status, a.HTTP.Address)

	if len(a.Cache.Sources) > 0 {
		fmt.Println("\nPooled connections:")
		for _, src := range a.Cache.Sources {
			fmt.Printf("  %-16s %-10s %d/%d in use, %d idle, %s borrows, created %s\n",
				src.ID, src.Driver, src.InUse, src.MaxConns, src.Idle,
				humanize.Comma(src.Borrowed), humanize.Time(src.CreatedAt))
		}
	} else {
		fmt.Println("\nPooled connections: none")
	}

	if a.Warnings == 0 && a.Errors == 0 {
		fmt.Println("\nErrors: none")
		return
	}
	fmt.Printf("\n%s %s\n", warnFormat(fmt.Sprintf("%d warning(s)", a.Warnings)), badFormat(fmt.Sprintf("%d error(s)", a.Errors)))
	for _, e := range a.RecentLog {
		fmt.Printf("  - %s\n", e.Format())
	}
}

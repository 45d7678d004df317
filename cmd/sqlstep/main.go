package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/willibrandon/sqlstep/internal/config"
	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/runner"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Global flags
	configPath   string
	debug        bool
	localMode    bool
	requireAgent bool

	cfg *config.Config
)

// Exit codes. Job runners branch on them, so they are part of the CLI
// contract.
const (
	exitOK               = 0
	exitFailure          = 1
	exitValidation       = 2
	exitConfiguration    = 3
	exitPoolExhausted    = 4
	exitStatement        = 5
	exitIO               = 6
	exitAgentUnavailable = 7
)

var errAgentUnavailable = errors.New("sqlstep agent is not running")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	logger.Close()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sqlstep",
		Short: "Run SQL scripts as job steps",
		Long: `sqlstep runs SQL scripts against named database connections.

Connections are pooled by the sqlstep agent, so consecutive steps that use the
same connection id reuse open connections. Without a running agent sqlstep
executes in-process.

Exit codes:
  0  success
  1  unexpected failure
  2  invalid request
  3  unknown connection or connection configuration error
  4  connection pool exhausted
  5  a statement failed
  6  script file could not be read
  7  agent required but not running`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logger.LevelWarn
			if debug {
				level = logger.LevelDebug
			}
			logger.InitConsole(level, os.Stderr)

			loaded, err := config.LoadFromPath(configPath)
			if err != nil {
				return fmt.Errorf("%w: %w", pool.ErrConfiguration, err)
			}
			cfg = loaded
			return nil
		},
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", executor.ErrValidation, err)
	})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/sqlstep/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging on stderr")
	rootCmd.PersistentFlags().BoolVar(&localMode, "local", false, "execute in-process instead of through the agent")
	rootCmd.PersistentFlags().BoolVar(&requireAgent, "require-agent", false, "fail instead of executing in-process when the agent is not running")

	rootCmd.AddCommand(
		newExecCmd(),
		newBatchCmd(),
		newTestConnectionCmd(),
		newCacheCmd(),
		newProfilesCmd(),
		newHistoryCmd(),
		newDriversCmd(),
	)
	return rootCmd
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var stmtErr *executor.StatementError
	switch {
	case errors.As(err, &stmtErr):
		return exitStatement
	case errors.Is(err, executor.ErrValidation):
		return exitValidation
	case errors.Is(err, pool.ErrNotFound), errors.Is(err, pool.ErrConfiguration):
		return exitConfiguration
	case errors.Is(err, pool.ErrPoolExhausted):
		return exitPoolExhausted
	case errors.Is(err, runner.ErrIO):
		return exitIO
	case errors.Is(err, errAgentUnavailable):
		return exitAgentUnavailable
	}
	return exitFailure
}

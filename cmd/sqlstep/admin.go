package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/willibrandon/sqlstep/internal/agent/ipc"
	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
)

var (
	okFormat    = color.New(color.FgGreen).SprintFunc()
	mutedFormat = color.New(color.FgHiBlack).SprintFunc()
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(header)
	return table
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: --prompt-password needs a terminal", executor.ErrValidation)
	}
	fmt.Fprint(os.Stderr, prompt)
	passwordBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(passwordBytes), nil
}

// newTestConnectionCmd creates the test-connection subcommand.
func newTestConnectionCmd() *cobra.Command {
	var (
		params ipc.ConnectionTestParams
		prompt bool
	)

	cmd := &cobra.Command{
		Use:   "test-connection --driver NAME --url URL",
		Short: "Check that a database accepts connections",
		Long: `Open one throwaway connection with the given settings, validate it and close
it. The connection cache is not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt {
				password, err := promptPassword("Enter database password: ")
				if err != nil {
					return err
				}
				params.Password = password
			}

			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.TestConnection(cmd.Context(), params); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okFormat("Connection successful"))
			return nil
		},
	}

	cmd.Flags().StringVar(&params.Driver, "driver", "", "driver name, see 'sqlstep drivers'")
	cmd.Flags().StringVar(&params.URL, "url", "", "connection URL")
	cmd.Flags().StringVarP(&params.Username, "username", "u", "", "user name")
	cmd.Flags().StringVar(&params.Password, "password", "", "password")
	cmd.Flags().BoolVar(&prompt, "prompt-password", false, "read the password from the terminal")
	cmd.MarkFlagsMutuallyExclusive("password", "prompt-password")
	return cmd
}

// newCacheCmd creates the cache subcommand group.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear pooled connections",
	}

	var jsonOutput bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List pooled sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			stats, err := b.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			printCache(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Close every pooled source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := b.ClearCache(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %d pooled source(s)\n", n)
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove CONNECTION_ID",
		Short: "Close the pooled source of one connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			removed, err := b.RemoveCachedConnection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Closed pooled source %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No pooled source for %s\n", args[0])
			}
			return nil
		},
	}

	cmd.AddCommand(list, clearCmd, removeCmd)
	return cmd
}

func printCache(w io.Writer, stats pool.Stats) {
	if len(stats.Sources) == 0 {
		fmt.Fprintln(w, mutedFormat("No pooled sources"))
		return
	}
	table := newTable(w, "CONNECTION", "DRIVER", "IN USE", "IDLE", "MAX", "BORROWS", "BUILT", "CREATED")
	for _, src := range stats.Sources {
		table.Append([]string{
			src.ID,
			src.Driver,
			strconv.Itoa(src.InUse),
			strconv.Itoa(src.Idle),
			strconv.Itoa(src.MaxConns),
			humanize.Comma(src.Borrowed),
			strconv.FormatInt(stats.Constructions[src.ID], 10),
			humanize.Time(src.CreatedAt),
		})
	}
	table.Render()
}

// newProfilesCmd creates the profiles subcommand group.
func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage connection profiles",
		Long: `List and edit connection profiles. Editing needs profiles.source: sqlite, or
a running agent; edits to config-file profiles last until the agent reloads its
config file.`,
	}

	var jsonOutput bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List connection profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			profiles, err := b.Profiles(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), profiles)
			}
			printProfiles(cmd.OutOrStdout(), profiles)
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	cmd.AddCommand(list, newProfilesAddCmd(), newProfilesDeleteCmd())
	return cmd
}

func printProfiles(w io.Writer, profiles []profile.ConnectionProfile) {
	if len(profiles) == 0 {
		fmt.Fprintln(w, mutedFormat("No connection profiles"))
		return
	}
	table := newTable(w, "ID", "NAME", "DRIVER", "URL", "USER", "MAX", "TIMEOUT", "TEST ON BORROW")
	for _, p := range profiles {
		table.Append([]string{
			p.ID,
			p.Name,
			p.EffectiveDriver(),
			p.URL,
			p.Username,
			strconv.Itoa(p.MaxConnections),
			fmt.Sprintf("%ds", p.ConnectionTimeout),
			strconv.FormatBool(p.TestOnBorrow),
		})
	}
	table.Render()
}

func newProfilesAddCmd() *cobra.Command {
	var (
		p        profile.ConnectionProfile
		password string
		prompt   bool
	)

	cmd := &cobra.Command{
		Use:   "add ID --driver NAME --url URL",
		Short: "Add or replace a connection profile",
		Long: `Add a connection profile, replacing any profile with the same id. A pooled
source built from the previous definition is closed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = strings.TrimSpace(args[0])
			if p.Name == "" {
				p.Name = p.ID
			}
			if prompt {
				var err error
				if password, err = promptPassword(fmt.Sprintf("Password for %s: ", p.ID)); err != nil {
					return err
				}
			}
			p.Password = profile.NewSecret(password)
			p = p.WithDefaults()
			if err := p.Validate(); err != nil {
				return fmt.Errorf("%w: %w", executor.ErrValidation, err)
			}

			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.SaveProfile(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved connection profile %s\n", p.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&p.Name, "name", "", "display name (default the id)")
	cmd.Flags().StringVar(&p.Driver, "driver", "", "driver name, see 'sqlstep drivers'")
	cmd.Flags().StringVar(&p.CustomDriver, "custom-driver", "", "driver name used when --driver is empty")
	cmd.Flags().StringVar(&p.URL, "url", "", "connection URL")
	cmd.Flags().StringVarP(&p.Username, "username", "u", "", "user name")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().BoolVar(&prompt, "prompt-password", false, "read the password from the terminal")
	cmd.Flags().StringVar(&p.PasswordCommand, "password-command", "", "command that prints the password")
	cmd.Flags().IntVar(&p.MaxConnections, "max-connections", profile.DefaultMaxConnections, "pool size")
	cmd.Flags().IntVar(&p.ConnectionTimeout, "connection-timeout", profile.DefaultConnectionTimeout, "seconds to wait for a free connection")
	cmd.Flags().BoolVar(&p.TestOnBorrow, "test-on-borrow", true, "validate connections before use")
	cmd.MarkFlagsMutuallyExclusive("password", "prompt-password")
	return cmd
}

func newProfilesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a connection profile and close its pooled source",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.DeleteProfile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted connection profile %s\n", args[0])
			return nil
		},
	}
}

// newHistoryCmd creates the history subcommand.
func newHistoryCmd() *cobra.Command {
	var (
		connectionID string
		limit        int
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent script executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("%w: --limit must be at least 1", executor.ErrValidation)
			}

			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			entries, err := b.History(cmd.Context(), connectionID, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedFormat("No executions recorded"))
				return nil
			}
			table := newTable(cmd.OutOrStdout(), "WHEN", "CONNECTION", "SOURCE", "STATEMENTS", "ROWS", "DURATION", "RESULT")
			for _, e := range entries {
				result := okFormat("ok")
				if e.Error != "" {
					result = color.RedString(truncate(e.Error, 60))
				} else if e.Truncated {
					result = "ok (truncated)"
				}
				table.Append([]string{
					humanize.Time(e.ExecutedAt),
					e.ConnectionID,
					e.Source,
					strconv.Itoa(e.Statements),
					strconv.Itoa(e.RowCount),
					(time.Duration(e.DurationMs) * time.Millisecond).String(),
					result,
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&connectionID, "connection", "c", "", "only executions on this connection")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// newDriversCmd creates the drivers subcommand. The catalogue is compiled in,
// so no agent is involved.
func newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the database drivers profiles may name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := newTable(cmd.OutOrStdout(), "NAME", "DATABASE", "ALIASES", "URL TEMPLATE", "AVAILABLE")
			for _, d := range pool.Drivers() {
				available := okFormat("yes")
				if !d.Available {
					available = mutedFormat("no")
				}
				table.Append([]string{d.Name, d.DisplayName, strings.Join(d.Aliases, ", "), d.URLTemplate, available})
			}
			table.Render()
			return nil
		},
	}
}

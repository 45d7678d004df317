package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/runner"
)

// newExecCmd creates the exec subcommand.
func newExecCmd() *cobra.Command {
	var (
		connectionID string
		sqlText      string
		file         string
		returnResult bool
		maxRows      int
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "exec --connection ID (--sql TEXT | --file PATH)",
		Short: "Execute a SQL script",
		Long: `Execute a script of ';'-separated statements on one connection, in order.
Execution stops at the first failing statement; statements before it have
already taken effect.

Use --sql - to read the script from stdin. Relative --file paths resolve
against execution.workspace (the agent's working directory by default).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := runner.ExecuteParams{
				ConnectionID: connectionID,
				ReturnResult: returnResult,
			}
			if cmd.Flags().Changed("max-rows") {
				params.MaxRows = &maxRows
			}
			if cmd.Flags().Changed("sql") {
				text := sqlText
				if text == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("%w: reading stdin: %w", runner.ErrIO, err)
					}
					text = string(data)
				}
				params.SQL = &text
			}
			if cmd.Flags().Changed("file") {
				params.File = &file
			}

			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			progress := cmd.OutOrStdout()
			if jsonOutput {
				progress = cmd.ErrOrStderr()
			}
			res, err := b.Execute(cmd.Context(), params, executor.NewWriterSink(progress).Line)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res, returnResult)
			return nil
		},
	}

	cmd.Flags().StringVarP(&connectionID, "connection", "c", "", "connection id (required)")
	cmd.Flags().StringVarP(&sqlText, "sql", "s", "", "script text, or - for stdin")
	cmd.Flags().StringVarP(&file, "file", "f", "", "script file")
	cmd.Flags().BoolVarP(&returnResult, "return-result", "r", false, "capture and print rows of the last result-producing statement")
	cmd.Flags().IntVar(&maxRows, "max-rows", 0, "row cap when capturing results (default execution.default_max_rows)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON on stdout; progress goes to stderr")
	return cmd
}

// printResult writes the captured rows as a table followed by a summary line.
func printResult(w io.Writer, res *runner.Result, showRows bool) {
	if showRows && len(res.Rows) > 0 {
		renderRows(w, res.Rows)
	}

	fmt.Fprintf(w, "%s statement(s) executed in %dms", humanize.Comma(int64(res.StatementsExecuted)), res.DurationMs)
	if showRows {
		fmt.Fprintf(w, ", %s row(s) returned", humanize.Comma(int64(len(res.Rows))))
		if res.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
	}
	fmt.Fprintln(w)
}

// renderRows prints rows as a table. Columns come from the first row; every
// row of one result set has the same columns.
func renderRows(w io.Writer, rows []executor.Row) {
	table := newTable(w, rows[0].Columns()...)
	for _, row := range rows {
		data := make([]string, row.Len())
		for i, v := range row.Values() {
			data[i] = v.String()
		}
		table.Append(data)
	}
	table.Render()
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/runner"
)

// batchFile is the YAML document the batch command runs.
type batchFile struct {
	// Parallel is how many connections may run at once. Steps sharing a
	// connection always run in file order.
	Parallel        int         `yaml:"parallel"`
	ContinueOnError bool        `yaml:"continue_on_error"`
	Steps           []batchStep `yaml:"steps"`
}

type batchStep struct {
	Name         string  `yaml:"name"`
	Connection   string  `yaml:"connection"`
	SQL          *string `yaml:"sql"`
	File         *string `yaml:"file"`
	ReturnResult bool    `yaml:"return_result"`
	MaxRows      *int    `yaml:"max_rows"`
}

func (s batchStep) params() runner.ExecuteParams {
	return runner.ExecuteParams{
		ConnectionID: s.Connection,
		SQL:          s.SQL,
		File:         s.File,
		ReturnResult: s.ReturnResult,
		MaxRows:      s.MaxRows,
	}
}

// Step outcomes.
const (
	stepOK      = "ok"
	stepFailed  = "failed"
	stepSkipped = "skipped"
)

type stepResult struct {
	Name       string                   `json:"name"`
	Connection string                   `json:"connection"`
	Status     string                   `json:"status"`
	Result     *runner.Result           `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Statement  *executor.StatementError `json:"statement_error,omitempty"`
}

// parseBatch decodes and validates a batch file. Relative script paths
// resolve against dir, the directory holding the batch file.
func parseBatch(data []byte, dir string) (*batchFile, error) {
	var f batchFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: batch file is empty", executor.ErrValidation)
		}
		return nil, fmt.Errorf("%w: %w", executor.ErrValidation, err)
	}

	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("%w: batch file has no steps", executor.ErrValidation)
	}
	if f.Parallel < 0 {
		return nil, fmt.Errorf("%w: parallel must not be negative", executor.ErrValidation)
	}

	names := make(map[string]bool, len(f.Steps))
	for i := range f.Steps {
		s := &f.Steps[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("step-%d", i+1)
		}
		if names[s.Name] {
			return nil, fmt.Errorf("%w: step name %q is not unique", executor.ErrValidation, s.Name)
		}
		names[s.Name] = true

		if strings.TrimSpace(s.Connection) == "" {
			return nil, fmt.Errorf("%w: step %q: connection is required", executor.ErrValidation, s.Name)
		}
		if (s.SQL == nil) == (s.File == nil) {
			return nil, fmt.Errorf("%w: step %q: exactly one of sql or file is required", executor.ErrValidation, s.Name)
		}
		if s.File != nil && !filepath.IsAbs(*s.File) {
			abs := filepath.Join(dir, *s.File)
			s.File = &abs
		}
	}
	return &f, nil
}

// prefixWriter writes whole lines with a step prefix. Concurrent steps share
// one underlying writer.
type prefixWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *prefixWriter) line(prefix, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s\n", prefix, line)
}

// runBatch executes the steps and returns one result per step in file order.
// The returned error is the first step failure.
func runBatch(ctx context.Context, b backend, f *batchFile, parallel int, out io.Writer) ([]stepResult, error) {
	results := make([]stepResult, len(f.Steps))
	for i, s := range f.Steps {
		results[i] = stepResult{Name: s.Name, Connection: s.Connection, Status: stepSkipped}
	}
	pw := &prefixWriter{w: out}

	var (
		mu       sync.Mutex
		firstErr error
	)
	runStep := func(ctx context.Context, i int) error {
		s := f.Steps[i]
		res, err := b.Execute(ctx, s.params(), func(line string) { pw.line(s.Name, line) })
		if err == nil {
			results[i].Status = stepOK
			results[i].Result = res
			return nil
		}

		results[i].Status = stepFailed
		results[i].Error = err.Error()
		var se *executor.StatementError
		if errors.As(err, &se) {
			results[i].Statement = se
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = fmt.Errorf("step %q: %w", s.Name, err)
		}
		mu.Unlock()
		if f.ContinueOnError {
			return nil
		}
		return err
	}

	if parallel <= 0 {
		parallel = f.Parallel
	}
	if parallel <= 1 {
		for i := range f.Steps {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			if err := runStep(ctx, i); err != nil {
				break
			}
		}
		return results, firstErr
	}

	// One goroutine per connection keeps same-connection steps ordered.
	var order []string
	byConn := make(map[string][]int)
	for i, s := range f.Steps {
		if _, ok := byConn[s.Connection]; !ok {
			order = append(order, s.Connection)
		}
		byConn[s.Connection] = append(byConn[s.Connection], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, conn := range order {
		steps := byConn[conn]
		g.Go(func() error {
			for _, i := range steps {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := runStep(gctx, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && firstErr == nil {
		return results, err
	}
	return results, firstErr
}

// newBatchCmd creates the batch subcommand.
func newBatchCmd() *cobra.Command {
	var (
		parallel   int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Run the steps of a YAML batch file",
		Long: `Run several scripts as one job. The batch file lists steps:

  parallel: 2
  continue_on_error: false
  steps:
    - name: schema
      connection: warehouse
      file: sql/schema.sql
    - name: counts
      connection: warehouse
      sql: SELECT count(*) FROM orders
      return_result: true

Steps on the same connection run in file order. With parallel above 1,
different connections run concurrently. The first failure stops the batch
unless continue_on_error is set; the exit code is that of the first failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("%w %s: %w", runner.ErrIO, args[0], err)
			}
			dir, err := filepath.Abs(filepath.Dir(args[0]))
			if err != nil {
				return err
			}
			f, err := parseBatch(data, dir)
			if err != nil {
				return err
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
			results, runErr := runBatch(cmd.Context(), b, f, parallel, progress)

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				printBatchSummary(cmd.OutOrStdout(), results)
			}
			return runErr
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "connections to run concurrently (overrides the file)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print step results as JSON on stdout; progress goes to stderr")
	return cmd
}

func printBatchSummary(w io.Writer, results []stepResult) {
	fmt.Fprintln(w)
	table := newTable(w, "STEP", "CONNECTION", "STATUS", "STATEMENTS", "ROWS", "DURATION")
	for _, r := range results {
		statements, rows, duration := "", "", ""
		if r.Result != nil {
			statements = fmt.Sprint(r.Result.StatementsExecuted)
			rows = fmt.Sprint(len(r.Result.Rows))
			duration = fmt.Sprintf("%dms", r.Result.DurationMs)
		}
		if r.Statement != nil {
			statements = fmt.Sprintf("failed at %d", r.Statement.Index)
		}
		table.Append([]string{r.Name, r.Connection, r.Status, statements, rows, duration})
	}
	table.Render()
}

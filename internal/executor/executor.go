// Package executor runs multi-statement SQL scripts on one borrowed
// connection, streaming progress lines to a Sink and capturing result rows up
// to a cap.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
)

// DefaultMaxRows caps captured rows when a Request leaves MaxRows unset.
const DefaultMaxRows = 1000

// Pool hands out connections. *pool.Manager implements it.
type Pool interface {
	Acquire(ctx context.Context, id string) (*pool.Borrowed, error)
	Release(b *pool.Borrowed)
}

// Script is the SQL to run: literal text, or the content of a script file
// the caller has already read. Exactly one must be set.
type Script struct {
	Text        *string
	FileContent *string
}

// Request describes one execution.
type Request struct {
	ConnectionID  string
	Script        Script
	ReturnResults bool
	// MaxRows caps captured rows across the whole script. Nil means
	// DefaultMaxRows; zero captures nothing and marks any row truncated.
	MaxRows *int
}

// Outcome is the result of a successful Run.
type Outcome struct {
	StatementsExecuted int   `json:"statements_executed"`
	Rows               []Row `json:"rows"`
	Truncated          bool  `json:"truncated"`
	// UpdateCounts holds the affected-row count of each statement that did
	// not produce a result set, in script order. -1 means the driver
	// reported no count.
	UpdateCounts []int64 `json:"update_counts"`
}

// Executor runs scripts. It is safe for concurrent use; each Run borrows its
// own connection.
type Executor struct {
	pool           Pool
	observer       StateObserver
	defaultMaxRows int
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver reports state changes of every Run to fn.
func WithObserver(fn StateObserver) Option {
	return func(e *Executor) { e.observer = fn }
}

// WithDefaultMaxRows replaces DefaultMaxRows.
func WithDefaultMaxRows(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.defaultMaxRows = n
		}
	}
}

// New creates an Executor that borrows connections from p.
func New(p Pool, opts ...Option) *Executor {
	e := &Executor{pool: p, defaultMaxRows: DefaultMaxRows}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the script in req. Statements run in order on one connection
// and each commits on its own; the first failing statement stops the script
// with a *StatementError and earlier statements are not rolled back. The
// connection is released before Run returns on every path.
func (e *Executor) Run(ctx context.Context, req Request, sink Sink) (*Outcome, error) {
	script, maxRows, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = Discard
	}

	e.transition(StateIdle, 0)
	e.transition(StateAcquiring, 0)

	b, err := e.pool.Acquire(ctx, req.ConnectionID)
	if err != nil {
		e.transition(StateFailed, 0)
		e.transition(StateDone, 0)
		return nil, err
	}

	start := time.Now()
	defer func() {
		e.transition(StateReleasing, 0)
		e.pool.Release(b)
		e.transition(StateDone, 0)
	}()

	out, err := e.runStatements(ctx, b, Split(script), req.ReturnResults, maxRows, sink)
	if err != nil {
		logger.Warn("Script failed", "connection", req.ConnectionID, "error", err, "duration", time.Since(start))
		return nil, err
	}

	logger.Debug("Script finished",
		"connection", req.ConnectionID,
		"statements", out.StatementsExecuted,
		"rows", len(out.Rows),
		"truncated", out.Truncated,
		"duration", time.Since(start),
	)
	return out, nil
}

func (e *Executor) validate(req Request) (string, int, error) {
	if strings.TrimSpace(req.ConnectionID) == "" {
		return "", 0, validationError("connection id is required")
	}

	var script string
	switch {
	case req.Script.Text != nil && req.Script.FileContent != nil:
		return "", 0, validationError("sql text and sql file are mutually exclusive")
	case req.Script.Text != nil:
		script = *req.Script.Text
	case req.Script.FileContent != nil:
		script = *req.Script.FileContent
	default:
		return "", 0, validationError("either sql text or sql file is required")
	}

	if req.MaxRows == nil {
		return script, e.defaultMaxRows, nil
	}
	if *req.MaxRows < 0 {
		return "", 0, validationError("max rows must not be negative, got %d", *req.MaxRows)
	}
	return script, *req.MaxRows, nil
}

func (e *Executor) runStatements(ctx context.Context, b *pool.Borrowed, statements []string, returnResults bool, maxRows int, sink Sink) (*Outcome, error) {
	collector := NewCollector(maxRows)
	out := &Outcome{UpdateCounts: []int64{}}

	for i, stmt := range statements {
		index := i + 1
		e.transition(StateExecuting, index)
		sink.Line("Executing: " + stmt)
		out.StatementsExecuted++

		cur, err := b.Execute(ctx, stmt)
		if err != nil {
			return nil, e.fail(index, stmt, err)
		}

		if len(cur.Columns()) > 0 {
			if returnResults {
				e.transition(StateCapturing, index)
				err = capture(cur, collector, maxRows, sink)
			} else {
				err = cur.Close()
			}
			if err != nil {
				return nil, e.fail(index, stmt, err)
			}
			continue
		}

		e.transition(StateRecording, index)
		if err := cur.Close(); err != nil {
			return nil, e.fail(index, stmt, err)
		}
		n := cur.RowsAffected()
		out.UpdateCounts = append(out.UpdateCounts, n)
		if n >= 0 {
			sink.Line(fmt.Sprintf("Rows affected: %d", n))
		}
	}

	out.Rows, out.Truncated = collector.Finalize()
	sink.Line(fmt.Sprintf("Successfully executed %d statement(s)", out.StatementsExecuted))
	return out, nil
}

func (e *Executor) fail(index int, stmt string, err error) error {
	e.transition(StateFailed, index)
	return newStatementError(index, stmt, err)
}

// capture reads one result set into the collector, printing the header and
// every kept row. The cursor is closed before it returns.
func capture(cur pool.Cursor, c *Collector, maxRows int, sink Sink) error {
	cols := cur.Columns()
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	sink.Line(strings.Join(names, "\t"))

	retrieved := 0
	for {
		if c.Full() {
			if cur.Next() {
				c.MarkTruncated()
				sink.Line(fmt.Sprintf("... (output truncated at %d rows)", maxRows))
			}
			break
		}
		if !cur.Next() {
			break
		}

		raw, err := cur.Values()
		if err != nil {
			_ = cur.Close()
			return err
		}
		values := make([]Value, len(raw))
		for i, v := range raw {
			values[i] = FromDriver(v, cols[i].DatabaseType)
		}
		c.Accumulate(NewRow(names, values))
		sink.Line(formatRow(values))
		retrieved++
	}

	if err := cur.Close(); err != nil {
		return err
	}
	sink.Line(fmt.Sprintf("Retrieved %d row(s)", retrieved))
	return nil
}

func formatRow(values []Value) string {
	cells := make([]string, len(values))
	for i, v := range values {
		cells[i] = v.String()
	}
	return strings.Join(cells, "\t")
}

func (e *Executor) transition(s State, statement int) {
	if e.observer != nil {
		e.observer(s, statement)
	}
}

// Package runner is the entry point jobs use: it resolves script files, runs
// scripts through the executor, records history, and exposes the cache and
// profile administration operations.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
	"github.com/willibrandon/sqlstep/internal/storage/sqlite"
)

var (
	// ErrIO is returned when a script file cannot be read.
	ErrIO = errors.New("failed to read script file")

	// ErrReadOnlyProfiles is returned by SaveProfile and DeleteProfile when
	// the profile source cannot be edited at runtime.
	ErrReadOnlyProfiles = errors.New("connection profiles are read-only")
)

// HistoryStore records executions. *sqlite.HistoryStore implements it.
type HistoryStore interface {
	Record(ctx context.Context, e sqlite.HistoryEntry) error
	Recent(ctx context.Context, connectionID string, limit int) ([]sqlite.HistoryEntry, error)
}

// Options configures a Runner.
type Options struct {
	Profiles profile.Store
	// Workspace is the directory relative script paths resolve against.
	Workspace      string
	DefaultMaxRows int
	// History is optional.
	History  HistoryStore
	Observer executor.StateObserver
}

// ExecuteParams is one execution request. Exactly one of SQL and File must be
// set.
type ExecuteParams struct {
	ConnectionID string  `json:"connection_id"`
	SQL          *string `json:"sql,omitempty"`
	File         *string `json:"file,omitempty"`
	ReturnResult bool    `json:"return_result"`
	MaxRows      *int    `json:"max_rows,omitempty"`
}

// Result is the outcome of Execute.
type Result struct {
	ExecutionID string `json:"execution_id"`
	executor.Outcome
	DurationMs int64 `json:"duration_ms"`
}

// Runner owns the connection-pool cache and the executor built on it. It is
// safe for concurrent use.
type Runner struct {
	profiles  profile.Store
	manager   *pool.Manager
	executor  *executor.Executor
	history   HistoryStore
	workspace string
}

// New creates a Runner.
func New(opts Options) *Runner {
	manager := pool.NewManager(opts.Profiles)

	execOpts := []executor.Option{executor.WithDefaultMaxRows(opts.DefaultMaxRows)}
	if opts.Observer != nil {
		execOpts = append(execOpts, executor.WithObserver(opts.Observer))
	}

	return &Runner{
		profiles:  opts.Profiles,
		manager:   manager,
		executor:  executor.New(manager, execOpts...),
		history:   opts.History,
		workspace: opts.Workspace,
	}
}

// Execute runs a script from literal text or from a file. Progress lines go
// to sink as they are produced.
func (r *Runner) Execute(ctx context.Context, params ExecuteParams, sink executor.Sink) (*Result, error) {
	if sink == nil {
		sink = executor.Discard
	}
	sink = executor.Tee(sink, executor.SinkFunc(func(line string) {
		logger.Debug("Progress", "connection", params.ConnectionID, "line", line)
	}))

	if (params.SQL == nil) == (params.File == nil) {
		return nil, fmt.Errorf("%w: exactly one of sql or file must be provided", executor.ErrValidation)
	}

	req := executor.Request{
		ConnectionID:  params.ConnectionID,
		ReturnResults: params.ReturnResult,
		MaxRows:       params.MaxRows,
	}

	script := ""
	source := "text"
	if params.SQL != nil {
		sink.Line("Executing SQL statement...")
		script = *params.SQL
		req.Script.Text = params.SQL
	} else {
		sink.Line("Executing SQL from file: " + *params.File)
		content, err := r.readScript(*params.File)
		if err != nil {
			sink.Line("SQL execution failed: " + err.Error())
			return nil, err
		}
		script = content
		source = *params.File
		req.Script.FileContent = &content
	}
	sink.Line("Using database connection: " + params.ConnectionID)

	id := uuid.NewString()
	start := time.Now()
	out, err := r.executor.Run(ctx, req, sink)
	duration := time.Since(start)

	entry := sqlite.HistoryEntry{
		ID:           id,
		ConnectionID: params.ConnectionID,
		Script:       script,
		Source:       source,
		DurationMs:   duration.Milliseconds(),
		ExecutedAt:   start,
	}

	if err != nil {
		sink.Line("SQL execution failed: " + err.Error())
		entry.Error = err.Error()
		var se *executor.StatementError
		if errors.As(err, &se) {
			entry.Statements = se.Index
		}
		r.record(ctx, entry, err)
		return nil, err
	}

	entry.Statements = out.StatementsExecuted
	entry.RowCount = len(out.Rows)
	entry.Truncated = out.Truncated
	r.record(ctx, entry, nil)

	return &Result{ExecutionID: id, Outcome: *out, DurationMs: duration.Milliseconds()}, nil
}

// readScript reads a script file, resolving relative paths against the
// workspace.
func (r *Runner) readScript(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) && r.workspace != "" {
		resolved = filepath.Join(r.workspace, resolved)
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrIO, path, err)
	}
	return string(content), nil
}

// record stores history for executions that reached the database. Requests
// rejected before a connection was borrowed are not recorded.
func (r *Runner) record(ctx context.Context, entry sqlite.HistoryEntry, runErr error) {
	if r.history == nil {
		return
	}
	if runErr != nil {
		var se *executor.StatementError
		if !errors.As(runErr, &se) {
			return
		}
	}
	if err := r.history.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Failed to record execution history", "id", entry.ID, "error", err)
	}
}

// ClearCache closes every pooled source and returns how many were cached.
func (r *Runner) ClearCache() int {
	return r.manager.InvalidateAll()
}

// RemoveCachedConnection closes the pooled source for id and reports whether
// one was cached.
func (r *Runner) RemoveCachedConnection(id string) bool {
	return r.manager.Invalidate(id)
}

// TestConnection probes a database with a throwaway connection. The cache is
// not touched.
func (r *Runner) TestConnection(ctx context.Context, driver, url, username, password string) error {
	if driver == "" {
		return fmt.Errorf("%w: driver is required", executor.ErrValidation)
	}
	if url == "" {
		return fmt.Errorf("%w: url is required", executor.ErrValidation)
	}
	return pool.TestConnection(ctx, driver, url, username, password)
}

// Profiles lists the known connection profiles.
func (r *Runner) Profiles(ctx context.Context) ([]profile.ConnectionProfile, error) {
	return r.profiles.List(ctx)
}

// SaveProfile adds or replaces a profile and drops any pooled source built
// from its previous definition.
func (r *Runner) SaveProfile(ctx context.Context, p profile.ConnectionProfile) error {
	ws, ok := r.profiles.(profile.WritableStore)
	if !ok {
		return ErrReadOnlyProfiles
	}
	if err := ws.Save(ctx, p); err != nil {
		return err
	}
	r.manager.Invalidate(p.ID)
	logger.Info("Saved connection profile", "connection", p.ID)
	return nil
}

// DeleteProfile removes a profile and its pooled source.
func (r *Runner) DeleteProfile(ctx context.Context, id string) error {
	ws, ok := r.profiles.(profile.WritableStore)
	if !ok {
		return ErrReadOnlyProfiles
	}
	if err := ws.Delete(ctx, id); err != nil {
		return err
	}
	r.manager.Invalidate(id)
	logger.Info("Deleted connection profile", "connection", id)
	return nil
}

// ProfilesChanged is called when the profile source was replaced wholesale.
func (r *Runner) ProfilesChanged() {
	n := r.manager.InvalidateAll()
	logger.Info("Connection profiles reloaded", "closed_sources", n)
}

// History returns recent executions, newest first.
func (r *Runner) History(ctx context.Context, connectionID string, limit int) ([]sqlite.HistoryEntry, error) {
	if r.history == nil {
		return []sqlite.HistoryEntry{}, nil
	}
	return r.history.Recent(ctx, connectionID, limit)
}

// Stats returns a snapshot of the pool cache.
func (r *Runner) Stats() pool.Stats {
	return r.manager.Stats()
}

// Close closes every pooled source.
func (r *Runner) Close() {
	r.manager.Close()
}

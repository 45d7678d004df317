package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/sqlstep/internal/agent/ipc"
	"github.com/willibrandon/sqlstep/internal/config"
	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/runner"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"statement", fmt.Errorf("step %q: %w", "a", &executor.StatementError{Index: 2}), exitStatement},
		{"validation", fmt.Errorf("%w: connection id is required", executor.ErrValidation), exitValidation},
		{"unknown connection", fmt.Errorf("lookup: %w", pool.ErrNotFound), exitConfiguration},
		{"configuration", pool.ErrConfiguration, exitConfiguration},
		{"exhausted", pool.ErrPoolExhausted, exitPoolExhausted},
		{"io", fmt.Errorf("%w x.sql: %w", runner.ErrIO, os.ErrNotExist), exitIO},
		{"agent unavailable", errAgentUnavailable, exitAgentUnavailable},
		{"remote not found", &ipc.RemoteError{Code: ipc.ErrCodeNotFound, Message: "nope"}, exitConfiguration},
		{"remote exhausted", &ipc.RemoteError{Code: ipc.ErrCodePoolExhausted, Message: "busy"}, exitPoolExhausted},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestParseBatch(t *testing.T) {
	data := []byte(`
parallel: 3
steps:
  - connection: warehouse
    file: sql/load.sql
  - name: check
    connection: warehouse
    sql: SELECT 1
    return_result: true
    max_rows: 5
  - connection: audit
    file: /abs/audit.sql
`)
	f, err := parseBatch(data, "/jobs")
	require.NoError(t, err)
	require.Len(t, f.Steps, 3)
	assert.Equal(t, 3, f.Parallel)

	assert.Equal(t, "step-1", f.Steps[0].Name)
	assert.Equal(t, filepath.Join("/jobs", "sql/load.sql"), *f.Steps[0].File)

	p := f.Steps[1].params()
	assert.Equal(t, "warehouse", p.ConnectionID)
	assert.Equal(t, "SELECT 1", *p.SQL)
	assert.Nil(t, p.File)
	assert.True(t, p.ReturnResult)
	require.NotNil(t, p.MaxRows)
	assert.Equal(t, 5, *p.MaxRows)
	assert.Nil(t, f.Steps[0].params().MaxRows)

	assert.Equal(t, "/abs/audit.sql", *f.Steps[2].File)
}

func TestParseBatchErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "", "empty"},
		{"no steps", "parallel: 2\n", "no steps"},
		{"unknown field", "steps:\n  - connection: a\n    sql: x\n    retries: 3\n", "retries"},
		{"missing connection", "steps:\n  - sql: SELECT 1\n", "connection is required"},
		{"sql and file", "steps:\n  - connection: a\n    sql: x\n    file: y.sql\n", "exactly one"},
		{"neither", "steps:\n  - connection: a\n", "exactly one"},
		{"duplicate names", "steps:\n  - {name: a, connection: c, sql: x}\n  - {name: a, connection: c, sql: y}\n", "not unique"},
		{"negative parallel", "parallel: -1\nsteps:\n  - {connection: c, sql: x}\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseBatch([]byte(tt.data), "/jobs")
			require.Error(t, err)
			assert.True(t, errors.Is(err, executor.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// fakeBackend executes by script text: "fail" fails with a statement error.
type fakeBackend struct {
	backend

	mu    sync.Mutex
	calls []string
}

func (f *fakeBackend) Execute(ctx context.Context, params runner.ExecuteParams, onLine func(string)) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params.ConnectionID+":"+*params.SQL)
	f.mu.Unlock()

	onLine("Executing SQL statement...")
	if *params.SQL == "fail" {
		return nil, &executor.StatementError{Index: 1, Statement: "fail", Message: "syntax error"}
	}
	return &runner.Result{Outcome: executor.Outcome{StatementsExecuted: 1}}, nil
}

func step(name, conn, sql string) batchStep {
	return batchStep{Name: name, Connection: conn, SQL: &sql}
}

func TestRunBatchStopsAtFirstFailure(t *testing.T) {
	b := &fakeBackend{}
	f := &batchFile{Steps: []batchStep{
		step("one", "a", "ok"),
		step("two", "a", "fail"),
		step("three", "b", "ok"),
	}}

	var out bytes.Buffer
	results, err := runBatch(context.Background(), b, f, 1, &out)
	require.Error(t, err)
	assert.Equal(t, exitStatement, exitCode(err))
	assert.Contains(t, err.Error(), `step "two"`)

	assert.Equal(t, []string{"a:ok", "a:fail"}, b.calls)
	assert.Equal(t, stepOK, results[0].Status)
	assert.Equal(t, stepFailed, results[1].Status)
	require.NotNil(t, results[1].Statement)
	assert.Equal(t, 1, results[1].Statement.Index)
	assert.Equal(t, stepSkipped, results[2].Status)
	assert.Contains(t, out.String(), "[one] Executing SQL statement...")
}

func TestRunBatchContinueOnError(t *testing.T) {
	b := &fakeBackend{}
	f := &batchFile{ContinueOnError: true, Steps: []batchStep{
		step("one", "a", "fail"),
		step("two", "a", "ok"),
	}}

	results, err := runBatch(context.Background(), b, f, 1, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "one"`)
	assert.Equal(t, stepFailed, results[0].Status)
	assert.Equal(t, stepOK, results[1].Status)
}

func TestRunBatchParallelKeepsConnectionOrder(t *testing.T) {
	b := &fakeBackend{}
	var steps []batchStep
	for i := 0; i < 5; i++ {
		steps = append(steps,
			step(fmt.Sprintf("a%d", i), "a", fmt.Sprintf("a%d", i)),
			step(fmt.Sprintf("b%d", i), "b", fmt.Sprintf("b%d", i)),
		)
	}
	f := &batchFile{Parallel: 2, Steps: steps}

	results, err := runBatch(context.Background(), b, f, 0, &bytes.Buffer{})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, stepOK, r.Status, r.Name)
	}

	perConn := map[string][]string{}
	for _, c := range b.calls {
		conn, sql, _ := strings.Cut(c, ":")
		perConn[conn] = append(perConn[conn], sql)
	}
	assert.Equal(t, []string{"a0", "a1", "a2", "a3", "a4"}, perConn["a"])
	assert.Equal(t, []string{"b0", "b1", "b2", "b3", "b4"}, perConn["b"])
}

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Connections: []config.ConnectionConfig{{
			ID:     "jobs",
			Name:   "jobs",
			Driver: "sqlite3",
			URL:    "file:" + filepath.Join(dir, "jobs.db"),
		}},
		Profiles:  config.ProfilesConfig{Source: config.ProfileSourceConfig},
		Execution: config.ExecutionConfig{DefaultMaxRows: 1000, Workspace: dir},
		Storage:   config.StorageConfig{Path: filepath.Join(dir, "sqlstep.db"), HistoryLimit: 100},
	}
}

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	b, err := openLocal(ctx, localConfig(t))
	require.NoError(t, err)
	defer b.Close()

	script := "CREATE TABLE t (id INTEGER, name TEXT); INSERT INTO t VALUES (1, 'a'), (2, NULL); SELECT id, name FROM t ORDER BY id"
	var lines []string
	res, err := b.Execute(ctx, runner.ExecuteParams{ConnectionID: "jobs", SQL: &script, ReturnResult: true},
		func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	assert.Equal(t, 3, res.StatementsExecuted)
	require.Len(t, res.Rows, 2)
	assert.Contains(t, lines, "Using database connection: jobs")

	var out bytes.Buffer
	printResult(&out, res, true)
	assert.Contains(t, out.String(), "NULL")
	assert.Contains(t, out.String(), "3 statement(s) executed")
	assert.Contains(t, out.String(), "2 row(s) returned")

	stats, err := b.CacheStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Sources, 1)
	assert.Equal(t, "jobs", stats.Sources[0].ID)

	history, err := b.History(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Statements)

	removed, err := b.RemoveCachedConnection(ctx, "jobs")
	require.NoError(t, err)
	assert.True(t, removed)

	err = b.SaveProfile(ctx, localConfig(t).ConnectionProfiles()[0])
	assert.True(t, errors.Is(err, runner.ErrReadOnlyProfiles))
}

func TestExecCommandLocal(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(fmt.Sprintf(`
connections:
  - id: jobs
    name: jobs
    driver: sqlite3
    url: file:%s
storage:
  path: %s
agent:
  ipc:
    enabled: false
  http:
    enabled: false
`, filepath.Join(dir, "jobs.db"), filepath.Join(dir, "sqlstep.db"))), 0600))

	script := filepath.Join(dir, "script.sql")
	require.NoError(t, os.WriteFile(script, []byte("SELECT 41 + 1 AS answer;"), 0600))

	run := func(args ...string) (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--config", cfgFile}, args...))
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("exec", "-c", "jobs", "-f", script, "-r")
	require.NoError(t, err)
	assert.Contains(t, out, "Executing SQL from file: "+script)
	assert.Contains(t, out, "answer")
	assert.Contains(t, out, "42")

	_, err = run("exec", "-c", "missing", "--sql", "SELECT 1")
	assert.Equal(t, exitConfiguration, exitCode(err))

	_, err = run("exec", "-c", "jobs", "--sql", "SELECT 1; SELECT nope FROM nowhere")
	assert.Equal(t, exitStatement, exitCode(err))

	_, err = run("exec", "-c", "jobs", "-f", filepath.Join(dir, "absent.sql"))
	assert.Equal(t, exitIO, exitCode(err))

	_, err = run("exec", "-c", "jobs", "--sql", "SELECT 1", "--file", script)
	assert.Equal(t, exitValidation, exitCode(err))

	_, err = run("exec", "--bogus")
	assert.Equal(t, exitValidation, exitCode(err))
}

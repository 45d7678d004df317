package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
)

const exampleScript = "CREATE TABLE t(id INT, name VARCHAR(10)); INSERT INTO t VALUES (1,'a'),(2,'b'); SELECT * FROM t"

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func textRequest(id, sql string, returnResults bool, maxRows int) Request {
	return Request{
		ConnectionID:  id,
		Script:        Script{Text: strPtr(sql)},
		ReturnResults: returnResults,
		MaxRows:       &maxRows,
	}
}

// setupExecutor returns an executor over a file-backed SQLite target "sqltest"
// limited to maxConns connections.
func setupExecutor(t *testing.T, maxConns int, opts ...Option) (*Executor, *pool.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exec.db")
	store, err := profile.NewMemoryStore([]profile.ConnectionProfile{{
		ID:                "sqltest",
		Name:              "sqlite test",
		Driver:            "org.sqlite.JDBC",
		URL:               "jdbc:sqlite:file:" + path + "?_busy_timeout=5000",
		MaxConnections:    maxConns,
		ConnectionTimeout: 1,
	}})
	require.NoError(t, err)

	m := pool.NewManager(store)
	t.Cleanup(m.Close)
	return New(m, opts...), m
}

func TestRunExampleScript(t *testing.T) {
	e, _ := setupExecutor(t, 2)
	rec := &LineRecorder{}

	out, err := e.Run(context.Background(), textRequest("sqltest", exampleScript, true, 10), rec)
	require.NoError(t, err)

	assert.Equal(t, 3, out.StatementsExecuted)
	assert.False(t, out.Truncated)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, []string{"id", "name"}, out.Rows[0].Columns())

	id, _ := out.Rows[0].Get("id")
	name, _ := out.Rows[0].Get("name")
	assert.True(t, id.Equal(Integer(1)))
	assert.True(t, name.Equal(Text("a")))
	id, _ = out.Rows[1].Get("id")
	name, _ = out.Rows[1].Get("name")
	assert.True(t, id.Equal(Integer(2)))
	assert.True(t, name.Equal(Text("b")))

	assert.Equal(t, []int64{0, 2}, out.UpdateCounts)

	assert.Equal(t, []string{
		"Executing: CREATE TABLE t(id INT, name VARCHAR(10))",
		"Rows affected: 0",
		"Executing: INSERT INTO t VALUES (1,'a'),(2,'b')",
		"Rows affected: 2",
		"Executing: SELECT * FROM t",
		"id\tname",
		"1\ta",
		"2\tb",
		"Retrieved 2 row(s)",
		"Successfully executed 3 statement(s)",
	}, rec.Lines())
}

func TestRunExampleScriptTruncated(t *testing.T) {
	e, _ := setupExecutor(t, 2)
	rec := &LineRecorder{}

	out, err := e.Run(context.Background(), textRequest("sqltest", exampleScript, true, 1), rec)
	require.NoError(t, err)

	assert.Equal(t, 3, out.StatementsExecuted)
	assert.True(t, out.Truncated)
	require.Len(t, out.Rows, 1)
	b, err := out.Rows[0].MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"name":"a"}`, string(b))
	assert.Contains(t, rec.Lines(), "... (output truncated at 1 rows)")
}

func TestRunRowCap(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		maxRows   *int
		opts      []Option
		wantRows  int
		truncated bool
	}{
		{name: "under cap", size: 3, maxRows: intPtr(5), wantRows: 3},
		{name: "exactly cap", size: 5, maxRows: intPtr(5), wantRows: 5},
		{name: "over cap", size: 8, maxRows: intPtr(5), wantRows: 5, truncated: true},
		{name: "zero cap", size: 3, maxRows: intPtr(0), wantRows: 0, truncated: true},
		{name: "zero cap empty result", size: 0, maxRows: intPtr(0), wantRows: 0},
		{name: "default cap", size: 4, wantRows: 4},
		{name: "configured default cap", size: 3, opts: []Option{WithDefaultMaxRows(2)}, wantRows: 2, truncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := setupExecutor(t, 1, tt.opts...)
			var sb strings.Builder
			sb.WriteString("CREATE TABLE n(v INTEGER);")
			for i := 0; i < tt.size; i++ {
				fmt.Fprintf(&sb, "INSERT INTO n VALUES (%d);", i)
			}
			sb.WriteString("SELECT v FROM n ORDER BY v")

			req := textRequest("sqltest", sb.String(), true, 0)
			req.MaxRows = tt.maxRows
			out, err := e.Run(context.Background(), req, nil)
			require.NoError(t, err)
			assert.Len(t, out.Rows, tt.wantRows)
			assert.Equal(t, tt.truncated, out.Truncated)
			assert.Equal(t, tt.size+2, out.StatementsExecuted)
		})
	}
}

func TestRunCapSpansResultSets(t *testing.T) {
	e, _ := setupExecutor(t, 1)
	rec := &LineRecorder{}

	script := "SELECT 1 AS a UNION ALL SELECT 2; SELECT 3 AS b UNION ALL SELECT 4"
	out, err := e.Run(context.Background(), textRequest("sqltest", script, true, 3), rec)
	require.NoError(t, err)

	require.Len(t, out.Rows, 3)
	assert.True(t, out.Truncated)
	v, ok := out.Rows[2].Get("b")
	require.True(t, ok)
	assert.True(t, v.Equal(Integer(3)))
	assert.Empty(t, out.UpdateCounts)
}

func TestRunWithoutResults(t *testing.T) {
	e, _ := setupExecutor(t, 1)
	rec := &LineRecorder{}

	out, err := e.Run(context.Background(), textRequest("sqltest", exampleScript, false, 10), rec)
	require.NoError(t, err)

	assert.Empty(t, out.Rows)
	assert.False(t, out.Truncated)
	assert.Equal(t, []int64{0, 2}, out.UpdateCounts)
	assert.Equal(t, 3, out.StatementsExecuted)
	for _, line := range rec.Lines() {
		assert.NotEqual(t, "id\tname", line)
	}
}

func TestRunCommentedQueryAndCTEInsert(t *testing.T) {
	e, _ := setupExecutor(t, 1)
	rec := &LineRecorder{}

	script := "CREATE TABLE t(id INT); INSERT INTO t VALUES (1),(2); /* list\n rows */ SELECT * FROM t;" +
		" WITH v(x) AS (VALUES (3),(4)) INSERT INTO t SELECT x FROM v"
	out, err := e.Run(context.Background(), textRequest("sqltest", script, true, 10), rec)
	require.NoError(t, err)

	assert.Equal(t, 4, out.StatementsExecuted)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, []int64{0, 2, 2}, out.UpdateCounts)

	lines := rec.Lines()
	assert.Contains(t, lines, "Retrieved 2 row(s)")
	assert.Equal(t, "Rows affected: 2", lines[len(lines)-2])
}

func TestRunExecutingLinePerStatement(t *testing.T) {
	e, _ := setupExecutor(t, 1)

	scripts := map[string]int{
		"SELECT 1":                            1,
		"SELECT 1;":                           1,
		" ; ;SELECT 1;; SELECT 2 ;\n\n;":      2,
		"CREATE TABLE x(a INT);DROP TABLE x;": 2,
	}
	for script, n := range scripts {
		rec := &LineRecorder{}
		out, err := e.Run(context.Background(), textRequest("sqltest", script, true, 10), rec)
		require.NoError(t, err, script)

		executing := 0
		for _, line := range rec.Lines() {
			if strings.HasPrefix(line, "Executing: ") {
				executing++
			}
		}
		assert.Equal(t, n, executing, script)
		assert.Equal(t, n, out.StatementsExecuted, script)
		lines := rec.Lines()
		assert.Equal(t, fmt.Sprintf("Successfully executed %d statement(s)", n), lines[len(lines)-1])
	}
}

func TestRunStatementError(t *testing.T) {
	// One connection: a leaked borrow would make the follow-up run exhaust the pool.
	e, m := setupExecutor(t, 1)
	ctx := context.Background()

	script := "CREATE TABLE kept(id INT); INSERT INTO missing VALUES (1); SELECT 1"
	rec := &LineRecorder{}
	out, err := e.Run(ctx, textRequest("sqltest", script, true, 10), rec)
	require.Error(t, err)
	assert.Nil(t, out)

	var se *StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Index)
	assert.Equal(t, "INSERT INTO missing VALUES (1)", se.Statement)
	assert.Contains(t, se.Message, "missing")
	assert.NotContains(t, rec.Lines(), "Executing: SELECT 1")

	out, err = e.Run(ctx, textRequest("sqltest", "SELECT COUNT(*) AS n FROM kept", true, 10), nil)
	require.NoError(t, err)
	n, _ := out.Rows[0].Get("n")
	assert.True(t, n.Equal(Integer(0)))

	assert.Equal(t, 0, m.Stats().Sources[0].InUse)
}

func TestRunValidation(t *testing.T) {
	e, m := setupExecutor(t, 1)
	sql := strPtr("SELECT 1")

	tests := []struct {
		name string
		req  Request
	}{
		{"no script", Request{ConnectionID: "sqltest"}},
		{"both scripts", Request{ConnectionID: "sqltest", Script: Script{Text: sql, FileContent: sql}}},
		{"no connection", Request{Script: Script{Text: sql}}},
		{"negative max rows", Request{ConnectionID: "sqltest", Script: Script{Text: sql}, MaxRows: intPtr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(context.Background(), tt.req, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
	assert.Empty(t, m.Stats().Constructions)
}

func TestRunFileContent(t *testing.T) {
	e, _ := setupExecutor(t, 1)
	req := Request{ConnectionID: "sqltest", Script: Script{FileContent: strPtr("SELECT 'x' AS c")}, ReturnResults: true}

	out, err := e.Run(context.Background(), req, nil)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	c, _ := out.Rows[0].Get("c")
	assert.True(t, c.Equal(Text("x")))
}

func TestRunUnknownConnection(t *testing.T) {
	e, m := setupExecutor(t, 1)

	_, err := e.Run(context.Background(), textRequest("nope", "SELECT 1", true, 10), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pool.ErrNotFound))
	assert.Empty(t, m.Stats().Constructions)
}

func TestRunConcurrentFirstUse(t *testing.T) {
	e, m := setupExecutor(t, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Run(context.Background(), textRequest("sqltest", "SELECT 1", true, 10), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), m.Stats().Constructions["sqltest"])
}

func TestRunAfterClearCache(t *testing.T) {
	e, m := setupExecutor(t, 1)
	ctx := context.Background()

	_, err := e.Run(ctx, textRequest("sqltest", "SELECT 1", false, 0), nil)
	require.NoError(t, err)
	m.InvalidateAll()
	_, err = e.Run(ctx, textRequest("sqltest", "SELECT 1", false, 0), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), m.Stats().Constructions["sqltest"])
}

func TestRunStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []State
	observer := func(s State, _ int) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	e, _ := setupExecutor(t, 1, WithObserver(observer))
	ctx := context.Background()

	_, err := e.Run(ctx, textRequest("sqltest", "CREATE TABLE s(a INT); SELECT a FROM s", true, 10), nil)
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateIdle, StateAcquiring,
		StateExecuting, StateRecording,
		StateExecuting, StateCapturing,
		StateReleasing, StateDone,
	}, states)

	states = nil
	_, err = e.Run(ctx, textRequest("sqltest", "SELECT 1; SELECT * FROM nope; SELECT 2", true, 10), nil)
	require.Error(t, err)
	assert.Equal(t, []State{
		StateIdle, StateAcquiring,
		StateExecuting, StateCapturing,
		StateExecuting, StateFailed,
		StateReleasing, StateDone,
	}, states)

	states = nil
	_, err = e.Run(ctx, textRequest("unknown", "SELECT 1", true, 10), nil)
	require.Error(t, err)
	assert.Equal(t, []State{StateIdle, StateAcquiring, StateFailed, StateDone}, states)

	states = nil
	_, err = e.Run(ctx, Request{ConnectionID: "sqltest"}, nil)
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, states)
}

func TestRunNullRendering(t *testing.T) {
	e, _ := setupExecutor(t, 1)
	rec := &LineRecorder{}

	out, err := e.Run(context.Background(), textRequest("sqltest", "SELECT NULL AS a, 1.5 AS b", true, 10), rec)
	require.NoError(t, err)
	a, _ := out.Rows[0].Get("a")
	assert.True(t, a.IsNull())
	assert.Contains(t, rec.Lines(), "NULL\t1.5")
}

func TestRunBlobExpression(t *testing.T) {
	e, _ := setupExecutor(t, 1)

	out, err := e.Run(context.Background(), textRequest("sqltest", "SELECT x'00ff' AS b, x'4142' AS ab, 'txt' AS s", true, 10), nil)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)

	b, _ := out.Rows[0].Get("b")
	assert.Equal(t, KindBinary, b.Kind())
	ab, _ := out.Rows[0].Get("ab")
	assert.Equal(t, KindBinary, ab.Kind())
	s, _ := out.Rows[0].Get("s")
	assert.Equal(t, KindText, s.Kind())

	raw, err := out.Rows[0].MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"AP8=","ab":"QUI=","s":"txt"}`, string(raw))
}

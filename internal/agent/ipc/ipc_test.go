package ipc

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
	"github.com/willibrandon/sqlstep/internal/runner"
	"github.com/willibrandon/sqlstep/internal/storage/sqlite"
)

type testProvider struct {
	runner *runner.Runner
	start  time.Time
}

func (p *testProvider) GetStatus() AgentStatus {
	return AgentStatus{
		State:         "running",
		StartTime:     p.start,
		Version:       "test",
		ProfileSource: "sqlite",
		IPC:           ComponentInfo{Status: "listening"},
		HTTP:          ComponentInfo{Status: "disabled"},
	}
}

func (p *testProvider) GetRunner() *runner.Runner { return p.runner }

// IPCTestSuite runs the IPC protocol against a runner backed by SQLite files.
type IPCTestSuite struct {
	suite.Suite
	ctx        context.Context
	cancel     context.CancelFunc
	dir        string
	db         *sqlite.DB
	runner     *runner.Runner
	server     *Server
	socketPath string
	client     *Client
}

func TestIPCSuite(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix socket suite")
	}
	suite.Run(t, new(IPCTestSuite))
}

func (s *IPCTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dir = s.T().TempDir()

	db, err := sqlite.Open(filepath.Join(s.dir, "sqlstep.db"))
	s.Require().NoError(err)
	s.db = db

	profiles := sqlite.NewProfileStore(db)
	s.Require().NoError(profiles.Save(s.ctx, profile.ConnectionProfile{
		ID:                "jobs",
		Name:              "jobs db",
		Driver:            "sqlite3",
		URL:               "file:" + filepath.Join(s.dir, "jobs.db") + "?_busy_timeout=5000",
		MaxConnections:    2,
		ConnectionTimeout: 1,
		TestOnBorrow:      true,
	}))

	s.runner = runner.New(runner.Options{
		Profiles:       profiles,
		Workspace:      s.dir,
		DefaultMaxRows: 1000,
		History:        sqlite.NewHistoryStore(db, 0),
	})

	s.socketPath = s.tempSocketPath()
	server, err := NewServer(s.socketPath)
	s.Require().NoError(err, "Failed to create IPC server")
	NewHandlers(&testProvider{runner: s.runner, start: time.Now()}).RegisterAll(server)
	s.Require().NoError(server.Start(s.ctx))
	s.server = server

	client, err := NewClient(s.socketPath)
	s.Require().NoError(err, "Failed to create IPC client")
	s.client = client
}

func (s *IPCTestSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	if s.server != nil {
		s.server.Stop()
	}
	if s.runner != nil {
		s.runner.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *IPCTestSuite) tempSocketPath() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		s.T().Fatalf("Failed to generate random bytes: %v", err)
	}
	return fmt.Sprintf("/tmp/sqlstep-%s.sock", hex.EncodeToString(b))
}

func strPtr(v string) *string { return &v }

func (s *IPCTestSuite) TestStatusGet() {
	status, err := s.client.Status()
	s.Require().NoError(err)

	s.Equal("running", status.State)
	s.Equal(os.Getpid(), status.PID)
	s.Equal("sqlite", status.ProfileSource)
	s.Equal(1, status.Profiles)
	s.Equal("listening", status.IPC.Status)
}

func (s *IPCTestSuite) TestExecuteStreamsProgress() {
	var lines []string
	res, err := s.client.Execute(s.ctx, runner.ExecuteParams{
		ConnectionID: "jobs",
		SQL:          strPtr("CREATE TABLE IF NOT EXISTS stream(n INT); DELETE FROM stream; INSERT INTO stream VALUES (1),(2); SELECT n FROM stream ORDER BY n"),
		ReturnResult: true,
	}, func(line string) { lines = append(lines, line) })
	s.Require().NoError(err)

	s.Equal(4, res.StatementsExecuted)
	s.Require().Len(res.Rows, 2)
	s.Equal(executor.Integer(1), res.Rows[0].At(0))
	s.Equal([]string{"n"}, res.Rows[1].Columns())

	s.Require().NotEmpty(lines)
	s.Equal("Executing SQL statement...", lines[0])
	s.Contains(lines, "Using database connection: jobs")
	s.Contains(lines, "Retrieved 2 row(s)")
}

func (s *IPCTestSuite) TestExecuteStatementErrorRoundTrip() {
	_, err := s.client.Execute(s.ctx, runner.ExecuteParams{
		ConnectionID: "jobs",
		SQL:          strPtr("SELECT 1; SELECT * FROM no_such_table"),
	}, nil)
	s.Require().Error(err)

	var se *executor.StatementError
	s.Require().True(errors.As(err, &se), "expected StatementError, got %T", err)
	s.Equal(2, se.Index)
	s.Equal("SELECT * FROM no_such_table", se.Statement)
	s.Contains(se.Message, "no_such_table")
}

func (s *IPCTestSuite) TestExecuteErrorCodes() {
	_, err := s.client.Execute(s.ctx, runner.ExecuteParams{ConnectionID: "missing", SQL: strPtr("SELECT 1")}, nil)
	s.True(errors.Is(err, pool.ErrNotFound), "got %v", err)

	_, err = s.client.Execute(s.ctx, runner.ExecuteParams{ConnectionID: "jobs"}, nil)
	s.True(errors.Is(err, executor.ErrValidation), "got %v", err)

	_, err = s.client.Execute(s.ctx, runner.ExecuteParams{ConnectionID: "jobs", File: strPtr("nope.sql")}, nil)
	s.True(errors.Is(err, runner.ErrIO), "got %v", err)
}

func (s *IPCTestSuite) TestCacheClearAndRemove() {
	_, err := s.client.Execute(s.ctx, runner.ExecuteParams{ConnectionID: "jobs", SQL: strPtr("SELECT 1")}, nil)
	s.Require().NoError(err)

	removed, err := s.client.RemoveCachedConnection("jobs")
	s.Require().NoError(err)
	s.True(removed)

	removed, err = s.client.RemoveCachedConnection("jobs")
	s.Require().NoError(err)
	s.False(removed)

	_, err = s.client.Execute(s.ctx, runner.ExecuteParams{ConnectionID: "jobs", SQL: strPtr("SELECT 1")}, nil)
	s.Require().NoError(err)

	closed, err := s.client.ClearCache()
	s.Require().NoError(err)
	s.Equal(1, closed)

	status, err := s.client.Status()
	s.Require().NoError(err)
	s.Empty(status.Cache.Sources)
}

func (s *IPCTestSuite) TestConnectionTest() {
	res, err := s.client.TestConnection(s.ctx, ConnectionTestParams{
		Driver: "sqlite3",
		URL:    "file:" + filepath.Join(s.dir, "probe.db"),
	})
	s.Require().NoError(err)
	s.Equal("Connection successful", res.Message)

	_, err = s.client.TestConnection(s.ctx, ConnectionTestParams{Driver: "nosuch", URL: "x"})
	s.True(errors.Is(err, pool.ErrConfiguration), "got %v", err)
}

func (s *IPCTestSuite) TestProfilesSaveListDelete() {
	err := s.client.SaveProfile(profile.ConnectionProfile{
		ID:       "scratch",
		Name:     "scratch db",
		Driver:   "sqlite3",
		URL:      "file:" + filepath.Join(s.dir, "scratch.db"),
		Password: profile.NewSecret("hunter2"),
	})
	s.Require().NoError(err)

	profiles, err := s.client.Profiles()
	s.Require().NoError(err)
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
		s.NotEqual("hunter2", p.Password.Reveal())
	}
	s.Contains(ids, "scratch")

	s.Require().NoError(s.client.DeleteProfile("scratch"))
	err = s.client.DeleteProfile("scratch")
	s.True(errors.Is(err, pool.ErrNotFound), "got %v", err)

	err = s.client.SaveProfile(profile.ConnectionProfile{ID: "bad id", Name: "x", Driver: "sqlite3", URL: "x"})
	s.True(errors.Is(err, executor.ErrValidation), "got %v", err)
}

func (s *IPCTestSuite) TestProfilesReadOnlySource() {
	profiles, err := profile.NewMemoryStore([]profile.ConnectionProfile{{
		ID:     "cfg",
		Name:   "from config",
		Driver: "sqlite3",
		URL:    "file:" + filepath.Join(s.dir, "cfg.db"),
	}})
	s.Require().NoError(err)
	r := runner.New(runner.Options{Profiles: profiles, Workspace: s.dir, DefaultMaxRows: 10})
	defer r.Close()

	path := s.tempSocketPath()
	server, err := NewServer(path)
	s.Require().NoError(err)
	NewHandlers(&testProvider{runner: r, start: time.Now()}).RegisterAll(server)
	s.Require().NoError(server.Start(s.ctx))
	defer server.Stop()

	client, err := NewClient(path)
	s.Require().NoError(err)
	defer client.Close()

	err = client.SaveProfile(profile.ConnectionProfile{ID: "other", Name: "other", Driver: "sqlite3", URL: "other.db"})
	s.True(errors.Is(err, runner.ErrReadOnlyProfiles), "got %v", err)
	var remote *RemoteError
	s.Require().True(errors.As(err, &remote))
	s.Equal(ErrCodeReadOnly, remote.Code)

	err = client.DeleteProfile("cfg")
	s.True(errors.Is(err, runner.ErrReadOnlyProfiles), "got %v", err)

	listed, err := client.Profiles()
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.Equal("cfg", listed[0].ID)
}

func (s *IPCTestSuite) TestHistoryList() {
	_, err := s.client.Execute(s.ctx, runner.ExecuteParams{ConnectionID: "jobs", SQL: strPtr("SELECT 42")}, nil)
	s.Require().NoError(err)

	entries, err := s.client.History("jobs", 5)
	s.Require().NoError(err)
	s.Require().NotEmpty(entries)
	s.Equal("SELECT 42", entries[0].Script)
}

func (s *IPCTestSuite) TestUnknownMethodAndBadJSON() {
	resp, err := s.client.Call("no.such.method", nil)
	s.Require().NoError(err)
	s.Require().NotNil(resp.Error)
	s.Equal(ErrCodeMethodNotFound, resp.Error.Code)

	conn, err := Dial(s.socketPath)
	s.Require().NoError(err)
	defer conn.Close()
	_, err = conn.Write([]byte("{not json\n"))
	s.Require().NoError(err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	s.Require().NoError(err)
	var raw Response
	s.Require().NoError(json.Unmarshal(line, &raw))
	s.Require().NotNil(raw.Error)
	s.Equal(ErrCodeInvalidRequest, raw.Error.Code)
}

func (s *IPCTestSuite) TestConcurrentClients() {
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := NewClient(s.socketPath)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			if _, err := c.Execute(s.ctx, runner.ExecuteParams{ConnectionID: "jobs", SQL: strPtr("SELECT 1")}, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
}

func TestListenerRejectsLiveSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix socket test")
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("sqlstep-live-%d.sock", os.Getpid()))
	l, err := NewListener(path)
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	defer l.Close()

	if _, err := NewListener(path); !errors.Is(err, ErrEndpointInUse) {
		t.Fatalf("NewListener on a live socket: got %v, want ErrEndpointInUse", err)
	}
}

func TestListenerRemovesStaleSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix socket test")
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("sqlstep-stale-%d.sock", os.Getpid()))
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	l, err := NewListener(path)
	if err != nil {
		t.Fatalf("NewListener failed on stale socket: %v", err)
	}
	l.Close()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file should be removed on Close, stat err = %v", err)
	}
}

func TestClientUnavailable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix socket test")
	}
	_, err := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	if !IsUnavailable(err) {
		t.Fatalf("IsUnavailable(%v) = false", err)
	}
}

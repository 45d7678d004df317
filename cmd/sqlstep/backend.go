package main

import (
	"context"
	"fmt"

	"github.com/willibrandon/sqlstep/internal/agent"
	"github.com/willibrandon/sqlstep/internal/agent/ipc"
	"github.com/willibrandon/sqlstep/internal/config"
	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
	"github.com/willibrandon/sqlstep/internal/runner"
	"github.com/willibrandon/sqlstep/internal/storage/sqlite"
)

// backend is what the commands run against: the agent over IPC, or a runner
// in this process.
type backend interface {
	Execute(ctx context.Context, params runner.ExecuteParams, onLine func(string)) (*runner.Result, error)
	CacheStats(ctx context.Context) (pool.Stats, error)
	ClearCache(ctx context.Context) (int, error)
	RemoveCachedConnection(ctx context.Context, id string) (bool, error)
	TestConnection(ctx context.Context, params ipc.ConnectionTestParams) error
	Profiles(ctx context.Context) ([]profile.ConnectionProfile, error)
	SaveProfile(ctx context.Context, p profile.ConnectionProfile) error
	DeleteProfile(ctx context.Context, id string) error
	History(ctx context.Context, connectionID string, limit int) ([]sqlite.HistoryEntry, error)
	Close() error
}

// openBackend connects to the agent, falling back to an in-process runner
// when no agent is listening and --require-agent is not set.
func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	if localMode || !cfg.Agent.IPC.Enabled {
		return openLocal(ctx, cfg)
	}

	b, err := openRemote(cfg.Agent.IPC.Path)
	if err == nil {
		return b, nil
	}
	if !ipc.IsUnavailable(err) {
		return nil, err
	}
	if requireAgent {
		return nil, fmt.Errorf("%w: %v", errAgentUnavailable, err)
	}
	logger.Warn("sqlstep agent not reachable, executing in-process", "ipc", cfg.Agent.IPC.Path)
	return openLocal(ctx, cfg)
}

// remoteBackend forwards every operation to the agent.
type remoteBackend struct {
	path   string
	client *ipc.Client
}

func openRemote(path string) (*remoteBackend, error) {
	client, err := ipc.NewClient(path)
	if err != nil {
		return nil, err
	}
	return &remoteBackend{path: path, client: client}, nil
}

// Execute uses its own connection: calls on one client are serialized and
// batch steps execute concurrently.
func (b *remoteBackend) Execute(ctx context.Context, params runner.ExecuteParams, onLine func(string)) (*runner.Result, error) {
	client, err := ipc.NewClient(b.path)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Execute(ctx, params, onLine)
}

func (b *remoteBackend) CacheStats(ctx context.Context) (pool.Stats, error) {
	status, err := b.client.Status()
	if err != nil {
		return pool.Stats{}, err
	}
	return status.Cache, nil
}

func (b *remoteBackend) ClearCache(ctx context.Context) (int, error) {
	return b.client.ClearCache()
}

func (b *remoteBackend) RemoveCachedConnection(ctx context.Context, id string) (bool, error) {
	return b.client.RemoveCachedConnection(id)
}

func (b *remoteBackend) TestConnection(ctx context.Context, params ipc.ConnectionTestParams) error {
	_, err := b.client.TestConnection(ctx, params)
	return err
}

func (b *remoteBackend) Profiles(ctx context.Context) ([]profile.ConnectionProfile, error) {
	return b.client.Profiles()
}

func (b *remoteBackend) SaveProfile(ctx context.Context, p profile.ConnectionProfile) error {
	return b.client.SaveProfile(p)
}

func (b *remoteBackend) DeleteProfile(ctx context.Context, id string) error {
	return b.client.DeleteProfile(id)
}

func (b *remoteBackend) History(ctx context.Context, connectionID string, limit int) ([]sqlite.HistoryEntry, error) {
	return b.client.History(connectionID, limit)
}

func (b *remoteBackend) Close() error {
	return b.client.Close()
}

// localBackend runs a private runner. Its pool cache lives only as long as
// the process.
type localBackend struct {
	cfg    *config.Config
	db     *sqlite.DB
	runner *runner.Runner
}

func openLocal(ctx context.Context, cfg *config.Config) (*localBackend, error) {
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	store, err := agent.OpenProfiles(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	opts := runner.Options{
		Profiles:       store,
		Workspace:      cfg.Workspace(),
		DefaultMaxRows: cfg.Execution.DefaultMaxRows,
		History:        sqlite.NewHistoryStore(db, cfg.Storage.HistoryLimit),
	}
	if logger.IsDebugEnabled() {
		opts.Observer = func(s executor.State, statement int) {
			logger.Debug("Execution state", "state", s.String(), "statement", statement)
		}
	}
	r := runner.New(opts)
	return &localBackend{cfg: cfg, db: db, runner: r}, nil
}

func (b *localBackend) Execute(ctx context.Context, params runner.ExecuteParams, onLine func(string)) (*runner.Result, error) {
	var sink executor.Sink = executor.Discard
	if onLine != nil {
		sink = executor.SinkFunc(onLine)
	}
	return b.runner.Execute(ctx, params, sink)
}

func (b *localBackend) CacheStats(ctx context.Context) (pool.Stats, error) {
	return b.runner.Stats(), nil
}

func (b *localBackend) ClearCache(ctx context.Context) (int, error) {
	return b.runner.ClearCache(), nil
}

func (b *localBackend) RemoveCachedConnection(ctx context.Context, id string) (bool, error) {
	return b.runner.RemoveCachedConnection(id), nil
}

func (b *localBackend) TestConnection(ctx context.Context, params ipc.ConnectionTestParams) error {
	return b.runner.TestConnection(ctx, params.Driver, params.URL, params.Username, params.Password)
}

func (b *localBackend) Profiles(ctx context.Context) ([]profile.ConnectionProfile, error) {
	return b.runner.Profiles(ctx)
}

// SaveProfile only persists with the sqlite source; config-file profiles are
// edited in the config file.
func (b *localBackend) SaveProfile(ctx context.Context, p profile.ConnectionProfile) error {
	if err := b.editable(); err != nil {
		return err
	}
	return b.runner.SaveProfile(ctx, p)
}

func (b *localBackend) DeleteProfile(ctx context.Context, id string) error {
	if err := b.editable(); err != nil {
		return err
	}
	return b.runner.DeleteProfile(ctx, id)
}

func (b *localBackend) editable() error {
	if b.cfg.Profiles.Source != config.ProfileSourceSQLite {
		return fmt.Errorf("%w: profiles.source is %q, edit %s instead", runner.ErrReadOnlyProfiles, b.cfg.Profiles.Source, configFileName(b.cfg))
	}
	return nil
}

func (b *localBackend) History(ctx context.Context, connectionID string, limit int) ([]sqlite.HistoryEntry, error) {
	return b.runner.History(ctx, connectionID, limit)
}

func (b *localBackend) Close() error {
	b.runner.Close()
	return b.db.Close()
}

func configFileName(cfg *config.Config) string {
	if cfg.File != "" {
		return cfg.File
	}
	return "the config file"
}

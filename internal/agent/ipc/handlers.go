package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
	"github.com/willibrandon/sqlstep/internal/runner"
)

// AgentStatus holds agent status information (avoids import cycle).
type AgentStatus struct {
	State         string
	StartTime     time.Time
	Version       string
	ConfigFile    string
	ProfileSource string
	IPC           ComponentInfo
	HTTP          ComponentInfo
}

// AgentProvider is an interface for accessing agent state.
// This avoids import cycles between ipc and agent packages.
type AgentProvider interface {
	GetStatus() AgentStatus
	GetRunner() *runner.Runner
}

// Handlers provides IPC method handlers.
type Handlers struct {
	provider AgentProvider
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(provider AgentProvider) *Handlers {
	return &Handlers{provider: provider}
}

// RegisterAll registers all handlers with the server.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterHandler(MethodStatusGet, h.StatusGet)
	s.RegisterStreamHandler(MethodSQLExecute, h.SQLExecute)
	s.RegisterHandler(MethodCacheClear, h.CacheClear)
	s.RegisterHandler(MethodCacheRemove, h.CacheRemove)
	s.RegisterHandler(MethodConnectionTest, h.ConnectionTest)
	s.RegisterHandler(MethodProfilesList, h.ProfilesList)
	s.RegisterHandler(MethodProfilesSave, h.ProfilesSave)
	s.RegisterHandler(MethodProfilesDelete, h.ProfilesDelete)
	s.RegisterHandler(MethodHistoryList, h.HistoryList)
}

// StatusGet handles status.get requests.
func (h *Handlers) StatusGet(ctx context.Context, params json.RawMessage) (any, error) {
	status := h.provider.GetStatus()
	r := h.provider.GetRunner()

	profiles, err := r.Profiles(ctx)
	if err != nil {
		return nil, toHandlerError(err)
	}
	warnings, errs := logger.GetCounts()

	var uptime time.Duration
	if !status.StartTime.IsZero() {
		uptime = time.Since(status.StartTime)
	}

	return StatusResult{
		State:         status.State,
		PID:           os.Getpid(),
		Version:       status.Version,
		StartTime:     status.StartTime,
		UptimeSeconds: int64(uptime.Seconds()),
		ConfigFile:    status.ConfigFile,
		ProfileSource: status.ProfileSource,
		Profiles:      len(profiles),
		IPC:           status.IPC,
		HTTP:          status.HTTP,
		Cache:         r.Stats(),
		Warnings:      warnings,
		Errors:        errs,
		RecentLog:     logger.GetEntries(),
	}, nil
}

// SQLExecute handles sql.execute requests, streaming progress lines.
func (h *Handlers) SQLExecute(ctx context.Context, params json.RawMessage, emit func(string)) (any, error) {
	var p runner.ExecuteParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	res, err := h.provider.GetRunner().Execute(ctx, p, executor.SinkFunc(emit))
	if err != nil {
		return nil, toHandlerError(err)
	}
	return res, nil
}

// CacheClear handles cache.clear requests.
func (h *Handlers) CacheClear(ctx context.Context, params json.RawMessage) (any, error) {
	return CacheClearResult{Closed: h.provider.GetRunner().ClearCache()}, nil
}

// CacheRemove handles cache.remove requests.
func (h *Handlers) CacheRemove(ctx context.Context, params json.RawMessage) (any, error) {
	var p CacheRemoveParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.ConnectionID == "" {
		return nil, &HandlerError{Code: ErrCodeValidation, Message: "connection_id is required"}
	}
	return CacheRemoveResult{Removed: h.provider.GetRunner().RemoveCachedConnection(p.ConnectionID)}, nil
}

// ConnectionTest handles connection.test requests.
func (h *Handlers) ConnectionTest(ctx context.Context, params json.RawMessage) (any, error) {
	var p ConnectionTestParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := h.provider.GetRunner().TestConnection(ctx, p.Driver, p.URL, p.Username, p.Password); err != nil {
		return nil, toHandlerError(err)
	}
	return ConnectionTestResult{Message: "Connection successful"}, nil
}

// ProfilesList handles profiles.list requests.
func (h *Handlers) ProfilesList(ctx context.Context, params json.RawMessage) (any, error) {
	profiles, err := h.provider.GetRunner().Profiles(ctx)
	if err != nil {
		return nil, toHandlerError(err)
	}
	if profiles == nil {
		profiles = []profile.ConnectionProfile{}
	}
	return ProfilesListResult{Profiles: profiles}, nil
}

// ProfilesSave handles profiles.save requests.
func (h *Handlers) ProfilesSave(ctx context.Context, params json.RawMessage) (any, error) {
	var p ProfileSaveParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	prof := p.Profile
	prof.Password = profile.NewSecret(p.Password)
	if err := prof.Validate(); err != nil {
		return nil, &HandlerError{Code: ErrCodeValidation, Message: err.Error()}
	}
	if err := h.provider.GetRunner().SaveProfile(ctx, prof); err != nil {
		return nil, toHandlerError(err)
	}
	return struct{}{}, nil
}

// ProfilesDelete handles profiles.delete requests.
func (h *Handlers) ProfilesDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p ProfileDeleteParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := h.provider.GetRunner().DeleteProfile(ctx, p.ConnectionID); err != nil {
		return nil, toHandlerError(err)
	}
	return struct{}{}, nil
}

// HistoryList handles history.list requests.
func (h *Handlers) HistoryList(ctx context.Context, params json.RawMessage) (any, error) {
	var p HistoryListParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	entries, err := h.provider.GetRunner().History(ctx, p.ConnectionID, p.Limit)
	if err != nil {
		return nil, toHandlerError(err)
	}
	return HistoryListResult{Entries: entries}, nil
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &HandlerError{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid params: " + err.Error(),
		}
	}
	return nil
}

// toHandlerError maps runner, executor and pool errors onto wire codes.
func toHandlerError(err error) error {
	var se *executor.StatementError
	switch {
	case errors.As(err, &se):
		return &HandlerError{Code: ErrCodeStatement, Message: err.Error(), Details: ExecuteFailure{Statement: se}}
	case errors.Is(err, executor.ErrValidation):
		return &HandlerError{Code: ErrCodeValidation, Message: err.Error()}
	case errors.Is(err, pool.ErrNotFound):
		return &HandlerError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, pool.ErrPoolExhausted):
		return &HandlerError{Code: ErrCodePoolExhausted, Message: err.Error()}
	case errors.Is(err, pool.ErrConfiguration):
		return &HandlerError{Code: ErrCodeConfiguration, Message: err.Error()}
	case errors.Is(err, runner.ErrIO):
		return &HandlerError{Code: ErrCodeIO, Message: err.Error()}
	case errors.Is(err, runner.ErrReadOnlyProfiles):
		return &HandlerError{Code: ErrCodeReadOnly, Message: err.Error()}
	}
	return err
}

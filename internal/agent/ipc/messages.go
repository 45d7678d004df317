// Package ipc provides the local socket protocol between the sqlstep CLI and
// the sqlstep agent. Messages are newline-delimited JSON.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
	"github.com/willibrandon/sqlstep/internal/storage/sqlite"
)

// Request represents an IPC request message.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents an IPC response message. A streaming method sends any
// number of progress frames (Progress set, Result and Error empty) before the
// final frame.
type Response struct {
	ID       string          `json:"id"`
	Progress *string         `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *Error          `json:"error,omitempty"`
}

// Final reports whether this is the last frame for its request.
func (r *Response) Final() bool {
	return r.Progress == nil
}

// Error represents an IPC error.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeMethodNotFound = "METHOD_NOT_FOUND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeValidation     = "VALIDATION"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConfiguration  = "CONFIGURATION"
	ErrCodePoolExhausted  = "POOL_EXHAUSTED"
	ErrCodeStatement      = "STATEMENT"
	ErrCodeIO             = "IO"
	ErrCodeReadOnly       = "READ_ONLY"
)

// Method names
const (
	MethodStatusGet      = "status.get"
	MethodSQLExecute     = "sql.execute"
	MethodCacheClear     = "cache.clear"
	MethodCacheRemove    = "cache.remove"
	MethodConnectionTest = "connection.test"
	MethodProfilesList   = "profiles.list"
	MethodProfilesSave   = "profiles.save"
	MethodProfilesDelete = "profiles.delete"
	MethodHistoryList    = "history.list"
)

// StatusResult is the result of status.get.
type StatusResult struct {
	State         string            `json:"state"`
	PID           int               `json:"pid"`
	Version       string            `json:"version"`
	StartTime     time.Time         `json:"start_time"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	ConfigFile    string            `json:"config_file,omitempty"`
	ProfileSource string            `json:"profile_source"`
	Profiles      int               `json:"profiles"`
	IPC           ComponentInfo     `json:"ipc"`
	HTTP          ComponentInfo     `json:"http"`
	Cache         pool.Stats        `json:"cache"`
	Warnings      int               `json:"warnings"`
	Errors        int               `json:"errors"`
	RecentLog     []logger.LogEntry `json:"recent_log,omitempty"`
}

// ComponentInfo describes one agent endpoint.
type ComponentInfo struct {
	Status  string `json:"status"` // "listening", "disabled", "not_initialized"
	Address string `json:"address,omitempty"`
}

// ExecuteFailure is carried in Error.Details when sql.execute fails.
type ExecuteFailure struct {
	Statement *executor.StatementError `json:"statement,omitempty"`
}

// CacheClearResult is the result of cache.clear.
type CacheClearResult struct {
	Closed int `json:"closed"`
}

// CacheRemoveParams are the parameters for cache.remove.
type CacheRemoveParams struct {
	ConnectionID string `json:"connection_id"`
}

// CacheRemoveResult is the result of cache.remove.
type CacheRemoveResult struct {
	Removed bool `json:"removed"`
}

// ConnectionTestParams are the parameters for connection.test.
type ConnectionTestParams struct {
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ConnectionTestResult is the result of a successful connection.test.
type ConnectionTestResult struct {
	Message string `json:"message"`
}

// ProfilesListResult is the result of profiles.list. Passwords are redacted.
type ProfilesListResult struct {
	Profiles []profile.ConnectionProfile `json:"profiles"`
}

// ProfileSaveParams are the parameters for profiles.save. Password travels
// separately because profile.Secret never marshals its plain value.
type ProfileSaveParams struct {
	Profile  profile.ConnectionProfile `json:"profile"`
	Password string                    `json:"password,omitempty"`
}

// ProfileDeleteParams are the parameters for profiles.delete.
type ProfileDeleteParams struct {
	ConnectionID string `json:"connection_id"`
}

// HistoryListParams are the parameters for history.list.
type HistoryListParams struct {
	ConnectionID string `json:"connection_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// HistoryListResult is the result of history.list.
type HistoryListResult struct {
	Entries []sqlite.HistoryEntry `json:"entries"`
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code, message string) Response {
	return Response{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewSuccessResponse creates a success response with the given result.
func NewSuccessResponse(id string, result any) (Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{
		ID:     id,
		Result: data,
	}, nil
}

// NewProgressResponse creates a progress frame for a streaming request.
func NewProgressResponse(id string, line string) Response {
	return Response{ID: id, Progress: &line}
}

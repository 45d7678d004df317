package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/willibrandon/sqlstep/internal/executor"
	"github.com/willibrandon/sqlstep/internal/pool"
	"github.com/willibrandon/sqlstep/internal/profile"
	"github.com/willibrandon/sqlstep/internal/runner"
	"github.com/willibrandon/sqlstep/internal/storage/sqlite"
)

// DefaultCallTimeout bounds non-streaming calls.
const DefaultCallTimeout = 30 * time.Second

// Client is an IPC client for communicating with the sqlstep agent. It is
// safe for concurrent use; calls are serialized on one connection.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewClient creates a new IPC client connected to the agent.
func NewClient(path string) (*Client, error) {
	conn, err := Dial(path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IPC socket: %w", err)
	}

	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call makes an IPC call and returns the final response.
func (c *Client) Call(method string, params any) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()
	return c.CallStream(ctx, method, params, nil)
}

// CallStream makes an IPC call, passing progress frames to onProgress until
// the final response arrives. Cancelling ctx closes the connection.
func (c *Client) CallStream(ctx context.Context, method string, params any, onProgress func(string)) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	req := Request{
		ID:     id,
		Method: method,
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = data
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, err := c.writer.Write(data); err != nil {
		return nil, c.wrapErr(ctx, "failed to write request", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return nil, c.wrapErr(ctx, "failed to write newline", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, c.wrapErr(ctx, "failed to flush", err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, c.wrapErr(ctx, "failed to read response", err)
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if resp.ID != id && resp.ID != "" {
			return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, id)
		}

		if !resp.Final() {
			if onProgress != nil {
				onProgress(*resp.Progress)
			}
			continue
		}
		return &resp, nil
	}
}

func (c *Client) wrapErr(ctx context.Context, msg string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", msg, ctxErr)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// RemoteError is an error reported by the agent. It unwraps to the sentinel
// error matching its code, so callers can use errors.Is as they would
// in-process.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case ErrCodeValidation:
		return executor.ErrValidation
	case ErrCodeNotFound:
		return pool.ErrNotFound
	case ErrCodeConfiguration:
		return pool.ErrConfiguration
	case ErrCodePoolExhausted:
		return pool.ErrPoolExhausted
	case ErrCodeIO:
		return runner.ErrIO
	case ErrCodeReadOnly:
		return runner.ErrReadOnlyProfiles
	}
	return nil
}

// Err converts a wire error back into a Go error. A statement failure becomes
// *executor.StatementError.
func (e *Error) Err() error {
	if e.Code == ErrCodeStatement && len(e.Details) > 0 {
		var failure ExecuteFailure
		if err := json.Unmarshal(e.Details, &failure); err == nil && failure.Statement != nil {
			return failure.Statement
		}
	}
	return &RemoteError{Code: e.Code, Message: e.Message}
}

func decode[T any](resp *Response, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	var result T
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &result, nil
}

// Status calls status.get.
func (c *Client) Status() (*StatusResult, error) {
	return decode[StatusResult](c.Call(MethodStatusGet, nil))
}

// Execute calls sql.execute. Progress lines go to onLine as the agent
// produces them. No deadline applies beyond ctx.
func (c *Client) Execute(ctx context.Context, params runner.ExecuteParams, onLine func(string)) (*runner.Result, error) {
	return decode[runner.Result](c.CallStream(ctx, MethodSQLExecute, params, onLine))
}

// ClearCache calls cache.clear and returns how many sources were closed.
func (c *Client) ClearCache() (int, error) {
	res, err := decode[CacheClearResult](c.Call(MethodCacheClear, nil))
	if err != nil {
		return 0, err
	}
	return res.Closed, nil
}

// RemoveCachedConnection calls cache.remove.
func (c *Client) RemoveCachedConnection(id string) (bool, error) {
	res, err := decode[CacheRemoveResult](c.Call(MethodCacheRemove, CacheRemoveParams{ConnectionID: id}))
	if err != nil {
		return false, err
	}
	return res.Removed, nil
}

// TestConnection calls connection.test.
func (c *Client) TestConnection(ctx context.Context, params ConnectionTestParams) (*ConnectionTestResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pool.ProbeTimeout+5*time.Second)
		defer cancel()
	}
	return decode[ConnectionTestResult](c.CallStream(ctx, MethodConnectionTest, params, nil))
}

// Profiles calls profiles.list.
func (c *Client) Profiles() ([]profile.ConnectionProfile, error) {
	res, err := decode[ProfilesListResult](c.Call(MethodProfilesList, nil))
	if err != nil {
		return nil, err
	}
	return res.Profiles, nil
}

// SaveProfile calls profiles.save.
func (c *Client) SaveProfile(p profile.ConnectionProfile) error {
	params := ProfileSaveParams{Profile: p, Password: p.Password.Reveal()}
	_, err := decode[struct{}](c.Call(MethodProfilesSave, params))
	return err
}

// DeleteProfile calls profiles.delete.
func (c *Client) DeleteProfile(id string) error {
	_, err := decode[struct{}](c.Call(MethodProfilesDelete, ProfileDeleteParams{ConnectionID: id}))
	return err
}

// History calls history.list.
func (c *Client) History(connectionID string, limit int) ([]sqlite.HistoryEntry, error) {
	res, err := decode[HistoryListResult](c.Call(MethodHistoryList, HistoryListParams{ConnectionID: connectionID, Limit: limit}))
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// IsUnavailable reports whether err means no agent is listening.
func IsUnavailable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

//go:build !windows

package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/willibrandon/sqlstep/internal/config"
)

// listen creates an owner-only Unix socket. A socket file nobody answers on
// is left over from a crashed agent and is replaced.
func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			return nil, ErrEndpointInUse
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return l, nil
}

func removeEndpoint(path string) {
	os.Remove(path)
}

// Dial connects to the agent endpoint at path, or the default endpoint.
func Dial(path string) (net.Conn, error) {
	if path == "" {
		path = config.DefaultIPCPath()
	}
	return net.Dial("unix", path)
}

package ipc

import (
	"errors"
	"fmt"
	"net"

	"github.com/willibrandon/sqlstep/internal/config"
)

// ErrEndpointInUse is returned by NewListener when another process already
// serves the endpoint.
var ErrEndpointInUse = errors.New("IPC endpoint already in use")

// Listener accepts agent clients on a Unix domain socket, or a named pipe
// on Windows.
type Listener struct {
	net.Listener
	path string
}

// NewListener listens at path. An empty path selects the default endpoint.
func NewListener(path string) (*Listener, error) {
	if path == "" {
		path = config.DefaultIPCPath()
	}
	l, err := listen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return &Listener{Listener: l, path: path}, nil
}

// Close stops listening and removes the endpoint.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	removeEndpoint(l.path)
	return err
}

// Path returns the socket or pipe path.
func (l *Listener) Path() string {
	return l.path
}

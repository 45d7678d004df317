//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"

	"github.com/willibrandon/sqlstep/internal/config"
)

// pipeBufferSize fits a typical progress frame or result row batch.
const pipeBufferSize = 64 << 10

// listen creates a named pipe. The default security descriptor grants access
// to the creator only; a second agent fails here while the first holds the
// pipe.
func listen(path string) (net.Listener, error) {
	if conn, err := dialTimeout(path, 100*time.Millisecond); err == nil {
		conn.Close()
		return nil, ErrEndpointInUse
	}
	return winio.ListenPipe(path, &winio.PipeConfig{
		InputBufferSize:  pipeBufferSize,
		OutputBufferSize: pipeBufferSize,
	})
}

// removeEndpoint is a no-op: the pipe disappears with its last handle.
func removeEndpoint(string) {}

func dialTimeout(path string, d time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &d)
}

// Dial connects to the agent endpoint at path, or the default endpoint.
func Dial(path string) (net.Conn, error) {
	if path == "" {
		path = config.DefaultIPCPath()
	}
	return winio.DialPipe(path, nil)
}

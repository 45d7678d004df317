//go:build !windows

package agent

import (
	"errors"
	"syscall"
)

// isProcessRunning probes pid with signal 0. EPERM means the process exists
// but belongs to another user.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

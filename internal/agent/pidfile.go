package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAgentRunning is returned when another agent instance is already running.
var ErrAgentRunning = errors.New("another sqlstep-agent instance is already running")

// WritePIDFile records the current process in path. It fails with
// ErrAgentRunning while another live process owns the file; a file left by
// a process that is gone is replaced. The file is written to a temporary
// name and renamed, so readers never see a partial PID.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if owner, err := ReadPIDFile(path); err == nil && owner != os.Getpid() && isProcessRunning(owner) {
		return fmt.Errorf("%w (pid %d)", ErrAgentRunning, owner)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the PID recorded in path. A missing file yields an
// error matching fs.ErrNotExist.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes path. A missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Running reports whether a live agent owns the PID file at path and returns
// its PID. A stale file is removed.
func Running(path string) (bool, int, error) {
	pid, err := ReadPIDFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, 0, nil
	case err != nil:
		return false, 0, err
	}

	if !isProcessRunning(pid) {
		_ = RemovePIDFile(path)
		return false, 0, nil
	}
	return true, pid, nil
}

package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFileName is fixed: workDir/.hub.pid.
const pidFileName = ".hub.pid"

func pidPath(workDir string) string {
	return filepath.Join(workDir, pidFileName)
}

// AlreadyRunningError reports a live pid found in the PID file.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("hub already running under pid %d", e.PID)
}

// acquirePIDFile enforces single-instance startup: if the PID file exists
// and names a live process, it refuses to start; otherwise it writes the
// current pid with owner-only permissions.
func acquirePIDFile(workDir string) error {
	path := pidPath(workDir)
	if existing, err := readPIDFile(path); err == nil {
		if processAlive(existing) {
			return &AlreadyRunningError{PID: existing}
		}
		// Stale file from a process that no longer exists: safe to replace.
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// releasePIDFile removes the PID file. Safe to call even if it was never
// written (e.g. startup failed before acquirePIDFile ran).
func releasePIDFile(workDir string) error {
	err := os.Remove(pidPath(workDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PID reads the pid recorded in workDir's PID file, for use by the CLI's
// stop and status commands which run in a separate process from the hub
// itself.
func PID(workDir string) (int, error) {
	return readPIDFile(pidPath(workDir))
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// processAlive reports whether pid names a live process, by sending the
// null signal (no-op: checks existence/permission without affecting the
// process).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

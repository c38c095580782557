// Package lockfile provides directory-based locking so only one
// ConvoFlow instance runs against a given state directory.
//
// The lock uses flock, so it is released automatically when the process
// exits, gracefully or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state
// directory.
const LockFileName = "convoflow.lock"

// Lock represents an active directory lock.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes an exclusive lock on the state directory, creating
// the directory if needed. Returns a LockError describing the holder
// when another instance already owns the lock.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := readExistingLockInfo(lockPath)
		slog.Error("Failed to acquire state directory lock", "lock_path", lockPath, "holder", info)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	if _, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", lockPath)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Release unlocks and removes the lock file. Safe to call more than
// once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Error("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.acquired = false
	l.file = nil
	slog.Info("Released state directory lock", "lock_path", l.path)
	return nil
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("Another ConvoFlow instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("\nExisting process: %s", e.ExistingInfo)
	}
	msg += "\n\nIf no other ConvoFlow instance is running, the lock file may be stale and can be removed with:\n" +
		fmt.Sprintf("  rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo describes the current lock holder for error
// messages.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}
	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running - stale lock)", pid)
	}
	return fmt.Sprintf("process information: %s", content)
}

// extractPIDFromLockInfo pulls the pid=NNNN value out of lock file
// content, or 0.
func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	idx := strings.Index(content, pidPrefix)
	if idx == -1 {
		return 0
	}
	start := idx + len(pidPrefix)
	end := start
	for end < len(content) && content[end] >= '0' && content[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	pid, err := strconv.Atoi(content[start:end])
	if err != nil {
		return 0
	}
	return pid
}

// isProcessRunning checks for process existence with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

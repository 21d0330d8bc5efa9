// Package lockfile guards a FeatureStudio state directory against a second instance.
//
// The lock is an flock on a file inside the state directory, so it is released by the
// kernel when the process exits, gracefully or not. The file records who holds it.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "featurestudio.lock"

// Holder describes the process holding a lock.
type Holder struct {
	PID       int
	Addr      string
	StartedAt time.Time
}

// String renders the holder the way it is written to the lock file.
func (h Holder) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	if h.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", h.Addr)
	}
	if !h.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", h.StartedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// ParseHolder reads the key=value lines of a lock file. It reports false when no pid is present.
func ParseHolder(content string) (Holder, bool) {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "addr":
			h.Addr = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.StartedAt = t
			}
		}
	}
	return h, h.PID > 0
}

// Lock represents an acquired state directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the state directory lock for the current process serving addr.
// It fails with a *LockError when another process holds it.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Lockfile.AcquireLock: acquiring", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's information before we know the lock is ours.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if data, readErr := os.ReadFile(lockPath); readErr == nil {
			lockErr.Holder, lockErr.HolderKnown = ParseHolder(string(data))
		}
		slog.Error("Lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "holder_pid", lockErr.Holder.PID)
		return nil, lockErr
	}

	holder := Holder{PID: os.Getpid(), Addr: addr, StartedAt: time.Now()}
	if err := writeHolder(file, holder); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", holder.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile.writeHolder: failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting instance never sees our stale file.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("Lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lockfile.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lockfile.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError is returned when another process holds the state directory lock.
type LockError struct {
	LockPath    string
	Holder      Holder
	HolderKnown bool
	Cause       error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another FeatureStudio instance is using this state directory (lock file %s)", e.LockPath)
	if !e.HolderKnown {
		return msg
	}
	msg += fmt.Sprintf("; held by PID %d", e.Holder.PID)
	if e.Holder.Addr != "" {
		msg += " serving " + e.Holder.Addr
	}
	if !isProcessRunning(e.Holder.PID) {
		msg += " (not running, the lock file may be stale: rm " + e.LockPath + ")"
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	holder, ok := ParseHolder(string(content))
	if !ok || holder.PID != os.Getpid() || holder.Addr != ":8080" {
		t.Errorf("unexpected holder %+v in %q", holder, content)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir, ":9090")
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		t.Errorf("expected EWOULDBLOCK cause, got %v", lockErr.Cause)
	}
	if !lockErr.HolderKnown || lockErr.Holder.Addr != ":8080" {
		t.Errorf("expected the first holder to be reported, got %+v", lockErr.Holder)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another FeatureStudio instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}

	// The failed attempt must not clobber the holder's information.
	content, _ := os.ReadFile(lock1.Path())
	if holder, _ := ParseHolder(string(content)); holder.Addr != ":8080" {
		t.Errorf("holder information overwritten: %q", content)
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	again, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	again.Release()
}

func TestHolderRoundTrip(t *testing.T) {
	started := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	h := Holder{PID: 4242, Addr: "127.0.0.1:8080", StartedAt: started}
	got, ok := ParseHolder(h.String())
	if !ok || got.PID != 4242 || got.Addr != h.Addr || !got.StartedAt.Equal(started) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantPID int
		wantOK  bool
	}{
		{"pid only", "pid=12345\n", 12345, true},
		{"legacy single line", "pid=77", 77, true},
		{"no pid", "addr=:8080\n", 0, false},
		{"garbage pid", "pid=abc\n", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok := ParseHolder(tt.content)
			if ok != tt.wantOK || h.PID != tt.wantPID {
				t.Errorf("ParseHolder(%q) = %+v, %v", tt.content, h, ok)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
}

package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Fatalf("lock file missing after acquire: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}
	// Double release must be a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release returned error: %v", err)
	}
}

func TestAcquireBlockedByActiveLock(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir)
	var active *ErrLockActive
	if !errors.As(err, &active) {
		t.Fatalf("second Acquire returned %v, want *ErrLockActive", err)
	}
	if active.PID != os.Getpid() {
		t.Errorf("lock holder PID = %d, want %d", active.PID, os.Getpid())
	}
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	stale, _ := json.Marshal(content{PID: 99999, Hostname: "gone", StartedAt: time.Now().Add(-48 * time.Hour)})
	if err := os.WriteFile(path, stale, 0600); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire did not take over stale lock: %v", err)
	}
	defer lock.Release()
}

func TestAcquireReplacesCorruptLock(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire did not replace corrupt lock: %v", err)
	}
	defer lock.Release()
}

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestForState(t *testing.T) {
	fl := ForState("/data/nightly_state.json")
	if fl.Path() != "/data/nightly_state.json.lock" {
		t.Errorf("unexpected lock path: %s", fl.Path())
	}
}

func TestFileLock_TryLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nightly_state.json.lock")

	fl := New(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	want := fmt.Sprintf("%d", os.Getpid())
	if strings.TrimSpace(string(data)) != want {
		t.Errorf("lock file PID = %q, want %q", strings.TrimSpace(string(data)), want)
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nightly_state.json.lock")

	fl1 := New(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := New(lockPath)
	err := fl2.TryLock()
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	if !strings.Contains(err.Error(), "another simq process") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nightly_state.json.lock")

	fl1 := New(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := New(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nightly_state.json.lock")

	fl := New(lockPath)
	fl.TryLock()
	fl.Unlock()
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}

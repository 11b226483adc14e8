// Package lock guards queue state files against concurrent executors.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// FileLock is an exclusive flock-based lock holding the owner PID. Two
// simq processes must never execute against the same state file; the
// lock is advisory, crash-safe (the kernel releases it with the
// process), and non-blocking.
type FileLock struct {
	path string
	file *os.File
}

// ForState returns the lock that guards the given state file.
func ForState(statePath string) *FileLock {
	return &FileLock{path: statePath + ".lock"}
}

func New(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string {
	return fl.path
}

// TryLock acquires the lock or fails immediately when another process
// holds it. The holder's PID is written into the file for diagnostics.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another simq process may be executing this queue): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		fl.abandon(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		fl.abandon(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		fl.abandon(f)
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		fl.abandon(f)
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) abandon(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}

// Held reports whether another process currently holds the lock,
// without acquiring it. A shared flock succeeds only when no exclusive
// holder exists.
func Held(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err != nil {
		return true
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return false
}

// Unlock releases the lock and removes the lock file. Safe to call on
// an unheld lock.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

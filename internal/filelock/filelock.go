// Package filelock provides an exclusive advisory file lock with
// staleness detection, grounded directly on internal/sessions.Store's
// lockFile() helper but extended to recover from a lock held by a
// process that has since died (the teacher's version assumes the lock
// file is always held by a live process, which is a safe assumption for
// its single-daemon use case but not for a shared bridge root that
// multiple short-lived CLI invocations may touch).
package filelock

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Lock is a held exclusive lock on a file. Call Release when done.
type Lock struct {
	f    *os.File
	path string
}

// Acquire opens (or creates) path and takes an exclusive, non-blocking
// flock on it. If the lock is already held, it reads the PID recorded
// in the file; if that process no longer exists (signal-0 fails with
// ESRCH), the stale lock file is removed and acquisition is retried
// exactly once before giving up.
func Acquire(path string) (*Lock, error) {
	lock, err := tryAcquire(path)
	if err == nil {
		return lock, nil
	}
	if err != syscall.EWOULDBLOCK {
		return nil, err
	}

	if recoverStale(path) {
		lock, err = tryAcquire(path)
		if err == nil {
			return lock, nil
		}
	}
	return nil, fmt.Errorf("lock %s is held by another live process", path)
}

func tryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, syscall.EWOULDBLOCK
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	return &Lock{f: f, path: path}, nil
}

// recoverStale reads the PID from path and, if that process is dead,
// removes path so a subsequent Acquire can succeed. Returns whether it
// removed a stale file.
func recoverStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil || pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
		return os.Remove(path) == nil
	}
	return false
}

// Release unlocks and closes the lock file, leaving it on disk (truncated)
// for the next Acquire to reuse.
func (l *Lock) Release() error {
	_ = l.f.Truncate(0)
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return l.f.Close()
}

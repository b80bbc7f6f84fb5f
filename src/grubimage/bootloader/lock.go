package bootloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockPollInterval is how often a waiting invocation retries a held lock
const DefaultLockPollInterval = 100 * time.Millisecond

// Lock modes. Builders hold a key exclusively; leases on a finished entry
// hold it shared so that maintenance cannot remove the entry under them.
const (
	lockExclusive = unix.LOCK_EX
	lockShared    = unix.LOCK_SH
)

// fileLock is an advisory lock held through an open file descriptor. The
// kernel drops it when the descriptor is closed, including when the process
// dies.
type fileLock struct {
	path string
	file *os.File
}

// acquireLock blocks until the lock at path is held in mode or ctx is done
func acquireLock(ctx context.Context, path string, mode int, poll time.Duration) (*fileLock, error) {
	if poll <= 0 {
		poll = DefaultLockPollInterval
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	waited := false
	for {
		err := unix.Flock(int(f.Fd()), mode|unix.LOCK_NB)
		if err == nil {
			return &fileLock{path: path, file: f}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if !waited {
			log.Info("Waiting for another build of the same bootloader", "lock", path)
			waited = true
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryLock takes the lock at path without waiting; ok is false when it is held elsewhere
func tryLock(path string) (l *fileLock, ok bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &fileLock{path: path, file: f}, true, nil
}

// Downgrade converts an exclusive lock into a shared one
func (l *fileLock) Downgrade() error {
	if l == nil || l.file == nil {
		return nil
	}
	return unix.Flock(int(l.file.Fd()), unix.LOCK_SH|unix.LOCK_NB)
}

// Unlock releases the lock; it is safe to call more than once
func (l *fileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

package storage

import (
	"context"
	"os"
	"time"
)

const lockPollInterval = 10 * time.Millisecond

// fileLock is an advisory, exclusive, cross-process lock held on path+".lock"
// for the lifetime of a JSONStore.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path + ".lock"}
}

// acquire polls for the lock until it is held or timeout elapses.
func (l *fileLock) acquire(ctx context.Context, timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return &StorageError{Op: "lock", Entity: "file", ID: l.path, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		if err := lockFile(f); err == nil {
			l.file = f
			return nil
		}
		select {
		case <-ctx.Done():
			f.Close()
			return &StorageError{Op: "lock", Entity: "file", ID: l.path, Err: ErrLockTimeout}
		case <-ticker.C:
		}
	}
}

func (l *fileLock) release() error {
	if l.file == nil {
		return nil
	}
	unlockFile(l.file)
	err := l.file.Close()
	os.Remove(l.path)
	l.file = nil
	return err
}

//go:build unix

package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"mlc-go/internal/mlc"
)

var flockFn = unix.Flock

const lockPollEvery = 100 * time.Millisecond

// FileLocker serializes work on a key across processes with advisory flock(2)
// locks on files in dir. A lock is held by an open file, so two lockers in the
// same process also exclude each other.
type FileLocker struct {
	dir     string
	timeout time.Duration
}

var _ mlc.Locker = (*FileLocker)(nil)

// NewFileLocker creates a locker keeping its lock files in dir.
// Lock gives up after timeout; zero means wait until the context is done.
func NewFileLocker(dir string, timeout time.Duration) *FileLocker {
	return &FileLocker{dir: dir, timeout: timeout}
}

// LockPath returns the lock file used for key.
func (l *FileLocker) LockPath(key string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(key)))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:8])+".lock")
}

// Lock acquires an exclusive lock for key.
func (l *FileLocker) Lock(ctx context.Context, key string) (func() error, error) {
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := l.LockPath(key)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	var deadline <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		err := flockFn(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			file.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-deadline:
			file.Close()
			return nil, fmt.Errorf("timed out after %v waiting for lock on %s", l.timeout, key)
		case <-time.After(lockPollEvery):
		}
	}

	return func() error {
		if err := flockFn(int(file.Fd()), unix.LOCK_UN); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	}, nil
}

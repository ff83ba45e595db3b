package fsprim

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ProcessLock is an advisory, exclusive, non-blocking file lock backing
// misc/lock (the whole-database open lock) and misc/sublock (the
// snapshot-exclusive sub-lock: held by every process except one currently
// recombining).
type ProcessLock struct {
	path string
	file *os.File
}

// TryLock attempts to acquire an exclusive advisory lock on path,
// creating it if necessary. It returns (nil, false, nil) without error if
// the lock is already held by another process.
func TryLock(path string) (*ProcessLock, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("fsprim: open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fsprim: flock %s: %w", path, err)
	}
	return &ProcessLock{path: path, file: f}, true, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *ProcessLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("fsprim: unflock %s: %w", l.path, err)
	}
	return cerr
}

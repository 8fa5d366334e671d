// Package lockfile guards the companion's data directory against a second
// daemon instance. The session store runs over a single SQLite connection,
// so two daemons pointed at the same database would silently interleave
// writes; taking an OS-level file lock next to the database makes the
// second instance fail fast instead.
package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrAlreadyLocked means another running process holds the lock.
var ErrAlreadyLocked = errors.New("lock already held")

// Lock is a held exclusive file lock. The zero value holds nothing.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes a non-blocking exclusive lock on path, creating the file
// if needed. It returns ErrAlreadyLocked when another process holds it.
// The pid of the holder is written into the file so a stuck lock can be
// traced by hand.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// Path returns the locked file's path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release drops the lock and closes the file. The lock file itself is left
// in place; only the OS lock matters for mutual exclusion. Release on a
// nil or already-released Lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

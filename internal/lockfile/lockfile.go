// Package lockfile implements the advisory, whole-run mutual-exclusion
// lock on config_dir/.lock (spec §5): at most one deployment may run on a
// host at a time.
package lockfile

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned by Acquire when another process already holds the
// lock.
var ErrBusy = errors.New("lockfile: another deployment is already running")

// Lock is a held advisory lock. Release it with Close.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking advisory lock on ".lock" inside
// configDir, creating the file if needed. ErrBusy is returned immediately
// if the lock is already held elsewhere; there is no retry (spec §7).
func Acquire(configDir string) (*Lock, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(configDir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Close releases the lock and closes the underlying file descriptor.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

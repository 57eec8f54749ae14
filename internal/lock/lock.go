// Package lock implements the repository's upgradable shared/exclusive file
// lock, grounded on spec.md §5's lock protocol and the original's
// UpgradableLock, using flock(2) via golang.org/x/sys/unix rather than a
// hand-rolled lockfile scheme.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/segstore/segstore/internal/obs"
)

// ErrLock is returned when a lock cannot be acquired immediately and no
// timeout (or a zero timeout) was given.
var ErrLock = errors.New("lock: could not acquire lock")

// ErrLockTimeout is returned when a lock could not be acquired within the
// requested timeout.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

const retryInterval = 50 * time.Millisecond

// Lock is an upgradable shared/exclusive advisory lock backed by a single
// file descriptor on <repo>/lock/exclusive.
type Lock struct {
	path      string
	file      *os.File
	exclusive bool
}

// Acquire opens (creating if needed) the lock directory and acquires either
// a shared or exclusive flock, retrying until timeout elapses (timeout <= 0
// means try once, no retry).
func Acquire(root string, exclusive bool, timeout time.Duration) (*Lock, error) {
	dir := filepath.Join(root, "lock")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("lock: create lock dir: %w", err)
	}
	path := filepath.Join(dir, "exclusive")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("lock: open lock file: %w", err)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			break
		}
		if timeout <= 0 {
			_ = f.Close()
			return nil, ErrLock
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, ErrLockTimeout
		}
		time.Sleep(retryInterval)
	}

	obs.Logger("lock").Debug().Bool("exclusive", exclusive).Msg("acquired lock")
	return &Lock{path: path, file: f, exclusive: exclusive}, nil
}

// Upgrade promotes a shared lock to exclusive, retrying until timeout. On
// failure the caller must treat the repository as back in the idle,
// non-transactional state (the shared lock itself remains held).
func (l *Lock) Upgrade(timeout time.Duration) error {
	if l.exclusive {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.exclusive = true
			return nil
		}
		if timeout <= 0 {
			return ErrLock
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(retryInterval)
	}
}

// Downgrade demotes an exclusive lock back to shared, used after commit or
// rollback returns the repository to the idle state.
func (l *Lock) Downgrade() error {
	if !l.exclusive {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("lock: downgrade: %w", err)
	}
	l.exclusive = false
	return nil
}

// Release unlocks and closes the lock file handle.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return cerr
}

// BreakLock forcibly clears a stale lock by removing the lock file, so the
// next Acquire creates a fresh file whose flock does not contend with
// handles still open on the removed one. Flocks already held on the removed
// file are not released. This is a manual operator action; it does not
// coordinate with whatever process may currently believe it holds the lock.
func BreakLock(root string) error {
	path := filepath.Join(root, "lock", "exclusive")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: break lock: %w", err)
	}
	obs.Logger("lock").Warn().Str("path", path).Msg("lock forcibly broken")
	return nil
}

// Package lock implements advisory file locking with shared and exclusive
// modes, used to coordinate access to a cluster's data directory across
// processes and threads.
//
// Locks are open-file-description fcntl locks (F_OFD_SETLK) on byte 0 of the
// lock file. Ownership follows the open file description rather than the
// process, so two goroutines that each open the lock file contend with each
// other exactly like two processes do. Closing the file releases the lock on
// every exit path, including panics and process death.
//
// The type system enforces the locking discipline: you start with an
// UnlockedFile, and each transition returns a new value representing the
// mode now held.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/commons/properties"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/flanksource/pgcluster/pkg/interrupt"
)

// ErrContended is returned by the non-blocking acquisition methods when
// another participant holds a conflicting lock.
var ErrContended = errors.New("lock held by another participant")

// UnlockedFile is an open lock file with no lock held.
type UnlockedFile struct {
	f *os.File
}

// SharedLock is an open lock file with a shared lock held.
type SharedLock struct {
	f *os.File
}

// ExclusiveLock is an open lock file with an exclusive lock held.
type ExclusiveLock struct {
	f *os.File
}

// New opens (creating if necessary) the lock file at path. No lock is taken.
func New(path string) (*UnlockedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return &UnlockedFile{f: f}, nil
}

// NewTemp creates a uniquely named lock file in the system temporary
// directory. Useful for clusters that have no natural sibling path.
func NewTemp() (*UnlockedFile, error) {
	return New(filepath.Join(os.TempDir(), uuid.NewString()+".lock"))
}

// Path returns the lock file's path.
func (u *UnlockedFile) Path() string { return u.f.Name() }

// Close closes the lock file.
func (u *UnlockedFile) Close() error { return u.f.Close() }

// LockShared blocks until a shared lock is acquired. Returns
// interrupt.ErrInterrupted if a terminal signal arrives while waiting.
func (u *UnlockedFile) LockShared() (*SharedLock, error) {
	if err := acquire(u.f, unix.F_RDLCK, true); err != nil {
		return nil, err
	}
	return &SharedLock{f: u.f}, nil
}

// LockExclusive blocks until an exclusive lock is acquired. Returns
// interrupt.ErrInterrupted if a terminal signal arrives while waiting.
func (u *UnlockedFile) LockExclusive() (*ExclusiveLock, error) {
	if err := acquire(u.f, unix.F_WRLCK, true); err != nil {
		return nil, err
	}
	return &ExclusiveLock{f: u.f}, nil
}

// TryLockExclusive attempts to acquire an exclusive lock without blocking.
// Returns ErrContended if another participant holds any lock.
func (u *UnlockedFile) TryLockExclusive() (*ExclusiveLock, error) {
	if err := acquire(u.f, unix.F_WRLCK, false); err != nil {
		return nil, err
	}
	return &ExclusiveLock{f: u.f}, nil
}

// Path returns the lock file's path.
func (s *SharedLock) Path() string { return s.f.Name() }

// TryUpgrade attempts to atomically upgrade the shared lock to exclusive
// without blocking. On ErrContended the shared lock remains held.
func (s *SharedLock) TryUpgrade() (*ExclusiveLock, error) {
	if err := acquire(s.f, unix.F_WRLCK, false); err != nil {
		return nil, err
	}
	return &ExclusiveLock{f: s.f}, nil
}

// Unlock releases the shared lock, keeping the file open.
func (s *SharedLock) Unlock() (*UnlockedFile, error) {
	if err := release(s.f); err != nil {
		return nil, err
	}
	return &UnlockedFile{f: s.f}, nil
}

// Release releases the lock and closes the file.
func (s *SharedLock) Release() error {
	if err := release(s.f); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// Path returns the lock file's path.
func (e *ExclusiveLock) Path() string { return e.f.Name() }

// Downgrade atomically converts the exclusive lock to a shared lock.
// Never blocks: an exclusive holder can always weaken its own lock.
func (e *ExclusiveLock) Downgrade() (*SharedLock, error) {
	if err := acquire(e.f, unix.F_RDLCK, false); err != nil {
		return nil, err
	}
	return &SharedLock{f: e.f}, nil
}

// Unlock releases the exclusive lock, keeping the file open.
func (e *ExclusiveLock) Unlock() (*UnlockedFile, error) {
	if err := release(e.f); err != nil {
		return nil, err
	}
	return &UnlockedFile{f: e.f}, nil
}

// Release releases the lock and closes the file.
func (e *ExclusiveLock) Release() error {
	if err := release(e.f); err != nil {
		e.f.Close()
		return err
	}
	return e.f.Close()
}

// acquire sets a lock of the given type on byte 0. Blocking acquisition is
// implemented as a non-blocking attempt in a poll loop so that a waiting
// participant can observe cancellation between attempts.
func acquire(f *os.File, lockType int16, block bool) error {
	interval := properties.Duration(25*time.Millisecond, "lock.poll")
	for {
		flk := unix.Flock_t{
			Type:   lockType,
			Whence: unix.SEEK_SET,
			Start:  0,
			Len:    1,
		}
		err := unix.FcntlFlock(f.Fd(), unix.F_OFD_SETLK, &flk)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES):
			if !block {
				return fmt.Errorf("%w: %s", ErrContended, f.Name())
			}
			if interrupt.Interrupted() {
				return interrupt.ErrInterrupted
			}
			time.Sleep(interval)
		case errors.Is(err, unix.EINTR):
			// Retry; cancellation is observed on the next pass.
		default:
			logger.Debugf("fcntl lock on %s failed: %v", f.Name(), err)
			return fmt.Errorf("lock %s: %w", f.Name(), err)
		}
	}
}

func release(f *os.File) error {
	flk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: unix.SEEK_SET,
		Start:  0,
		Len:    1,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_OFD_SETLK, &flk); err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}

// Package coordinate lets any number of independent participants share one
// on-demand cluster safely: the first one in starts it, the last one out
// stops (or destroys) it, and nobody ever observes a half-started or
// half-destroyed state.
//
// Synchronisation is a single advisory file lock with shared and exclusive
// modes, used as a reference count by upgrade contention. Entering first
// tries the lock exclusive without blocking; a participant that gets it
// starts the cluster and downgrades to shared. A participant that finds the
// lock held takes it shared and proceeds if the cluster is running;
// otherwise it releases the lock, waits a random 200–1000 ms, and tries
// again. A shared lock is never upgraded on entry. Leaving attempts a non-blocking
// upgrade: success means no other participant remains, so this one tears
// the cluster down; contention means others are still inside, so the lock
// is simply released and they inherit the teardown.
package coordinate

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/flanksource/commons/logger"

	"github.com/flanksource/pgcluster/pkg/cluster"
	"github.com/flanksource/pgcluster/pkg/interrupt"
	"github.com/flanksource/pgcluster/pkg/lock"
)

// RunAndStop ensures the cluster is running for the duration of body, then
// stops it if this participant is the last one out. The result of body is
// returned; on any failure inside body the exit protocol still runs.
func RunAndStop[T any](c *cluster.Cluster, body func(*cluster.Cluster) (T, error)) (T, error) {
	return run(c, body, func() error { return c.Stop() })
}

// RunAndDestroy is RunAndStop except the last participant out destroys the
// data directory and, last of all, the lock file. If other participants are
// still inside when body returns, the cluster is left running and is not
// destroyed.
func RunAndDestroy[T any](c *cluster.Cluster, body func(*cluster.Cluster) (T, error)) (T, error) {
	return run(c, body, func() error {
		if err := c.Destroy(); err != nil {
			return err
		}
		// The lock file goes last, while we still hold the exclusive
		// lock, so no other participant can lock a partially removed
		// cluster.
		if err := os.Remove(c.LockPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func run[T any](c *cluster.Cluster, body func(*cluster.Cluster) (T, error), teardown func() error) (result T, err error) {
	shared, err := enter(c)
	if err != nil {
		return result, err
	}

	defer func() {
		exitErr := leave(shared, teardown)
		if err == nil {
			err = exitErr
		}
	}()

	return body(c)
}

// enter acquires a shared lock over a running cluster, starting the cluster
// first if necessary.
func enter(c *cluster.Cluster) (*lock.SharedLock, error) {
	unlocked, err := lock.New(c.LockPath())
	if err != nil {
		return nil, newLockError(cluster.LockFailed, c, err)
	}

	shared, err := enterLoop(c, unlocked)
	if err != nil {
		unlocked.Close()
		return nil, err
	}
	return shared, nil
}

func enterLoop(c *cluster.Cluster, unlocked *lock.UnlockedFile) (*lock.SharedLock, error) {
	for {
		if err := interrupt.Check(); err != nil {
			return nil, newLockError(cluster.Interrupted, c, err)
		}

		excl, err := unlocked.TryLockExclusive()
		if errors.Is(err, lock.ErrContended) {
			// Someone else holds the lock. Take it shared — the common
			// case is that they have the cluster running already.
			shared, err := unlocked.LockShared()
			if err != nil {
				return nil, wrapLockError(c, err)
			}
			running, err := c.Running()
			if err != nil {
				shared.Release()
				return nil, err
			}
			if running {
				return shared, nil
			}
			// Not running: we need the exclusive lock after all. Back
			// off for a random interval so that one of the competing
			// participants gets ahead and starts the cluster.
			if unlocked, err = shared.Unlock(); err != nil {
				return nil, wrapLockError(c, err)
			}
			delay := time.Duration(200+rand.Intn(800)) * time.Millisecond
			logger.Debugf("cluster in %s locked but not running; retrying in %s", c.DataDir, delay)
			time.Sleep(delay)
			continue
		}
		if err != nil {
			return nil, wrapLockError(c, err)
		}

		// We hold the exclusive lock: create and start the cluster, then
		// downgrade so other participants can enter.
		if err := c.Start(); err != nil {
			excl.Release()
			return nil, err
		}
		shared, err := excl.Downgrade()
		if err != nil {
			excl.Release()
			return nil, wrapLockError(c, err)
		}
		return shared, nil
	}
}

// leave runs the exit protocol: a non-blocking upgrade decides whether this
// participant is the last one out and therefore responsible for teardown.
func leave(shared *lock.SharedLock, teardown func() error) error {
	excl, err := shared.TryUpgrade()
	if errors.Is(err, lock.ErrContended) {
		// Other participants are still inside; teardown is theirs.
		return shared.Release()
	}
	if err != nil {
		shared.Release()
		return fmt.Errorf("lock upgrade at exit: %w", err)
	}

	if err := teardown(); err != nil {
		excl.Release()
		return err
	}
	return excl.Release()
}

func newLockError(kind cluster.ErrorKind, c *cluster.Cluster, err error) error {
	return &cluster.Error{Kind: kind, Op: "coordinate", DataDir: c.DataDir, Err: err}
}

func wrapLockError(c *cluster.Cluster, err error) error {
	switch {
	case errors.Is(err, interrupt.ErrInterrupted):
		return newLockError(cluster.Interrupted, c, err)
	case errors.Is(err, lock.ErrContended):
		return newLockError(cluster.LockContended, c, err)
	default:
		return newLockError(cluster.LockFailed, c, err)
	}
}

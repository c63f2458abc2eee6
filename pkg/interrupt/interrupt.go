// Package interrupt provides a process-wide cancellation flag driven by
// terminal signals.
//
// Install is called once at process start. When INT, TERM, or HUP arrives
// the flag is set and the handler is removed, so a second signal terminates
// the process with the default disposition. Long-running operations poll
// Interrupted at their suspension points and unwind with ErrInterrupted,
// which lets coordinated regions release locks and stop the cluster on the
// way out.
package interrupt

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/flanksource/commons/logger"
)

// ErrInterrupted is returned by operations cancelled by a terminal signal.
var ErrInterrupted = errors.New("interrupted")

var (
	installOnce sync.Once
	interrupted atomic.Bool
)

// Install registers the one-shot handler for INT, TERM, and HUP. Safe to
// call more than once; only the first call has any effect.
func Install() {
	installOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		go func() {
			sig := <-ch
			logger.Warnf("received %s, shutting down", sig)
			interrupted.Store(true)
			signal.Stop(ch)
		}()
	})
}

// Interrupted reports whether a terminal signal has been received.
func Interrupted() bool {
	return interrupted.Load()
}

// Check returns ErrInterrupted if a terminal signal has been received,
// nil otherwise.
func Check() error {
	if interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// Reset clears the flag. Tests only.
func Reset() {
	interrupted.Store(false)
}

// Package lock serializes synchronization runs across processes with an
// advisory file lock, so overlapping timer invocations never interleave.
package lock

import (
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Lock is a held exclusive lock. Release it with Unlock; the kernel also
// drops it when the owning process exits, so a crashed run never wedges
// the next one.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the exclusive lock at path. The fast path is non-blocking;
// on contention a goroutine issues the blocking acquisition and reports
// through a one-shot channel, bounded by wait. An elapsed ceiling abandons
// the worker and returns an error — the run must abort with no state or
// firewall changes.
func Acquire(path string, wait time.Duration) (*Lock, error) {
	// the lock file must exist with owner-only permissions before flock
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	f.Close()

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "try lock")
	}
	if ok {
		return &Lock{fl: fl}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- fl.Lock()
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, errors.Wrap(err, "lock")
		}
		return &Lock{fl: fl}, nil
	case <-time.After(wait):
		// the worker may still win the lock after the holder releases it;
		// let go immediately so the abandoned acquisition never starves
		// later runs
		go func() {
			if <-done == nil {
				_ = fl.Unlock()
			}
			_ = fl.Close()
		}()
		return nil, errors.Errorf("timeout waiting for lock after %s (another run still active)", wait)
	}
}

func (l *Lock) Unlock() {
	_ = l.fl.Unlock()
}

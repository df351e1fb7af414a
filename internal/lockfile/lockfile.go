// Package lockfile provides an OS-level advisory file lock with a
// caller-specified timeout and an opt-in degradation for read-only
// cache mounts.
package lockfile

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrTimeout is returned when the lock cannot be acquired within the
// caller-specified deadline.
var ErrTimeout = errors.New("timed out waiting for file lock")

const pollInterval = 50 * time.Millisecond

// Lock is an exclusive advisory lock on a filesystem path. The lock is
// tied to the holding process, so a crashed holder releases it
// automatically on platforms with OS-level flock support.
type Lock struct {
	fl         *flock.Flock
	readOnlyOK bool
	held       bool
	degraded   bool
}

// New creates a lock keyed by path. With readOnlyOK, a
// permission-denied failure to acquire an already-existing lock file
// is downgraded to a warning and the lock proceeds unprotected; this
// supports read-only shared cache mounts.
func New(path string, readOnlyOK bool) *Lock {
	return &Lock{fl: flock.New(path), readOnlyOK: readOnlyOK}
}

// Acquire blocks until the lock is granted, ctx is canceled, or
// timeout elapses (timeout <= 0 means no deadline beyond ctx). A
// deadline expiry surfaces as ErrTimeout.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	zap.L().Debug("waiting to acquire lock", zap.String("lock", l.fl.Path()))

	ok, err := l.fl.TryLockContext(ctx, pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return eris.Wrapf(ErrTimeout, "lock %s", l.fl.Path())
		}
		if isPermissionError(err) {
			if _, statErr := os.Stat(l.fl.Path()); statErr == nil && l.readOnlyOK {
				zap.L().Warn("lacking permissions required to obtain lock; "+
					"race conditions are possible if other processes write to the same resource",
					zap.String("lock", l.fl.Path()),
				)
				l.degraded = true
				return nil
			}
		}
		return eris.Wrapf(err, "acquire lock %s", l.fl.Path())
	}
	if !ok {
		return eris.Wrapf(ErrTimeout, "lock %s", l.fl.Path())
	}

	l.held = true
	return nil
}

// Release unlocks. Safe to call when the acquisition was degraded.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.fl.Unlock(); err != nil {
		return eris.Wrapf(err, "release lock %s", l.fl.Path())
	}
	return nil
}

// Degraded reports whether Acquire proceeded without exclusive
// protection under the read-only-ok policy.
func (l *Lock) Degraded() bool {
	return l.degraded
}

// isPermissionError matches the permission-denied / read-only
// filesystem class of OS errors (EPERM, EACCES, EROFS).
func isPermissionError(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EROFS)
}

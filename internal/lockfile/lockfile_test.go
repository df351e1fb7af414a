package lockfile

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	l := New(path, false)
	require.NoError(t, l.Acquire(context.Background(), time.Second))
	assert.False(t, l.Degraded())
	require.NoError(t, l.Release())

	// Reacquirable after release.
	require.NoError(t, l.Acquire(context.Background(), time.Second))
	require.NoError(t, l.Release())
}

func TestAcquireTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	holder := New(path, false)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))
	defer holder.Release() //nolint:errcheck

	waiter := New(path, false)
	start := time.Now()
	err := waiter.Acquire(context.Background(), 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	holder := New(path, false)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))
	defer holder.Release() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	waiter := New(path, false)
	err := waiter.Acquire(ctx, 0)
	require.Error(t, err)
}

func TestIsPermissionError(t *testing.T) {
	assert.True(t, isPermissionError(fs.ErrPermission))
	assert.True(t, isPermissionError(syscall.EPERM))
	assert.True(t, isPermissionError(syscall.EACCES))
	assert.True(t, isPermissionError(syscall.EROFS))

	// Wrapped, the way the OS surfaces them.
	assert.True(t, isPermissionError(&fs.PathError{Op: "open", Path: "/x.lock", Err: syscall.EACCES}))
	assert.True(t, isPermissionError(eris.Wrap(syscall.EROFS, "acquire lock")))

	assert.False(t, isPermissionError(nil))
	assert.False(t, isPermissionError(syscall.ENOENT))
	assert.False(t, isPermissionError(context.DeadlineExceeded))
}

func TestAcquireDegradesOnUnreadableLockFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}

	path := filepath.Join(t.TempDir(), "x.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, os.Chmod(path, 0o000))

	l := New(path, true)
	require.NoError(t, l.Acquire(context.Background(), time.Second))
	assert.True(t, l.Degraded())

	// Safe even though no OS lock is held.
	assert.NoError(t, l.Release())
}

func TestAcquirePermissionFatalWithoutReadOnlyOK(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}

	path := filepath.Join(t.TempDir(), "x.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, os.Chmod(path, 0o000))

	l := New(path, false)
	err := l.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.False(t, l.Degraded())
}

func TestAcquireNotDegradedWhenHealthy(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "x.lock"), true)
	require.NoError(t, l.Acquire(context.Background(), time.Second))
	assert.False(t, l.Degraded())
	require.NoError(t, l.Release())
}

func TestReleaseWithoutAcquire(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "x.lock"), false)
	assert.NoError(t, l.Release())
}

func TestBlockedAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	holder := New(path, false)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))

	done := make(chan error, 1)
	go func() {
		waiter := New(path, false)
		err := waiter.Acquire(context.Background(), 5*time.Second)
		if err == nil {
			err = waiter.Release()
		}
		done <- err
	}()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, holder.Release())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

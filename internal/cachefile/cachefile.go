// Package cachefile implements the concurrency-safe, crash-safe
// primitive for producing a cache artifact exactly once: lock,
// double-checked existence, same-directory temp staging, atomic
// rename.
package cachefile

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cachepath/internal/lockfile"
)

// Options controls lock acquisition for WriteOnce.
type Options struct {
	// LockTimeout bounds how long to wait for the lock; <= 0 waits
	// until ctx is done.
	LockTimeout time.Duration

	// ReadOnlyOK downgrades permission failures on an existing lock
	// file to a warning (see lockfile.New).
	ReadOnlyOK bool
}

// ProduceFunc writes the artifact's content to the staged temp file.
type ProduceFunc func(f *os.File) error

// LockPath returns the lock file path for a cache path.
func LockPath(path string) string {
	return path + ".lock"
}

// WriteOnce ensures the artifact at path exists, invoking produce at
// most once across any number of competing processes. It returns true
// if this call produced the artifact, false if it already existed.
//
// On produce failure the temp file is deleted and the failure is
// propagated; path does not exist afterward. committed, if non-nil,
// runs after the atomic rename while the lock is still held (used to
// write the metadata sidecar).
func WriteOnce(ctx context.Context, path string, opts Options, produce ProduceFunc, committed func() error) (bool, error) {
	lock := lockfile.New(LockPath(path), opts.ReadOnlyOK)
	if err := lock.Acquire(ctx, opts.LockTimeout); err != nil {
		return false, err
	}
	defer lock.Release() //nolint:errcheck

	// Another holder may have just finished.
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	if err := stage(path, produce); err != nil {
		return false, err
	}

	if committed != nil {
		if err := committed(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// stage writes through a temp file in the same directory as path (for
// the same-filesystem atomic rename guarantee) and renames it into
// place on success.
func stage(path string, produce ProduceFunc) (err error) {
	dir := filepath.Dir(path)
	tmpName := filepath.Join(dir, filepath.Base(path)+".tmp-"+uuid.NewString())

	f, err := os.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return eris.Wrapf(err, "create temp file in %s", dir)
	}

	defer func() {
		if err != nil {
			zap.L().Debug("removing temp file", zap.String("temp", tmpName))
			_ = os.Remove(tmpName)
		}
	}()

	if err = produce(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return eris.Wrapf(err, "close temp file %s", tmpName)
	}

	zap.L().Debug("renaming temp file into place",
		zap.String("temp", tmpName),
		zap.String("path", path),
	)
	if err = os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "rename %s to %s", tmpName, path)
	}
	return nil
}

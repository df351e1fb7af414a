// Package cachepath resolves resource identifiers (local paths,
// http(s)/s3/r2/gs/ftp URLs, or hf:// hub identifiers) to locally
// cached files, downloading only when the cache has no copy of the
// remote's current version. Archives can be extracted transparently,
// including the "archive.tar.gz!member/path" syntax for addressing a
// single file inside an archive.
//
// Correctness across concurrent processes sharing a cache directory
// rests on per-entry OS file locks: at most one caller downloads a
// given resource+version, everyone else either observes the committed
// artifact or blocks until it appears.
package cachepath

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cachepath/internal/cachefile"
	"github.com/sells-group/cachepath/internal/extract"
	"github.com/sells-group/cachepath/internal/lockfile"
	"github.com/sells-group/cachepath/internal/meta"
	"github.com/sells-group/cachepath/scheme"
)

// ProgressFunc receives download progress. total is
// scheme.SizeUnknown when the backend could not report a size.
type ProgressFunc func(resource string, written, total int64)

// Options configures a Resolver.
type Options struct {
	// CacheDir is the cache root. Defaults to
	// os.UserCacheDir()/cachepath.
	CacheDir string

	// Registry supplies the scheme backends. Defaults to
	// scheme.Defaults().
	Registry *scheme.Registry

	// Hub resolves identifiers under the reserved hf:// scheme.
	// Defaults to scheme.DefaultHub().
	Hub scheme.HubClient

	// LockTimeout bounds how long Resolve waits for another writer's
	// file lock; <= 0 waits indefinitely.
	LockTimeout time.Duration

	// ReadOnlyOK downgrades permission failures on existing lock
	// files to warnings, for read-only shared cache mounts.
	ReadOnlyOK bool

	// OnProgress, if set, receives bytes-written updates during
	// downloads.
	OnProgress ProgressFunc
}

// ResolveOptions are per-call settings for Resolve and BytesRange.
type ResolveOptions struct {
	// Extract unpacks zip and tar archives and returns the extraction
	// directory instead of the archive.
	Extract bool

	// ForceExtract re-extracts even when the extraction directory
	// already exists. Races other processes extracting the same
	// archive; use with care.
	ForceExtract bool

	// NoDownloads suppresses all network access; only resources
	// already on disk resolve.
	NoDownloads bool
}

// Resolver turns resource identifiers into local cached paths.
type Resolver struct {
	cacheDir    string
	registry    *scheme.Registry
	hub         scheme.HubClient
	lockTimeout time.Duration
	readOnlyOK  bool
	onProgress  ProgressFunc
}

// New creates a Resolver, creating the cache directory if needed.
func New(opts Options) (*Resolver, error) {
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, eris.Wrap(err, "determine user cache directory")
		}
		cacheDir = filepath.Join(base, "cachepath")
	}
	cacheDir, err := expandHome(cacheDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create cache directory %s", cacheDir)
	}

	registry := opts.Registry
	if registry == nil {
		registry = scheme.Defaults()
	}
	hub := opts.Hub
	if hub == nil {
		hub = scheme.DefaultHub()
	}

	return &Resolver{
		cacheDir:    cacheDir,
		registry:    registry,
		hub:         hub,
		lockTimeout: opts.LockTimeout,
		readOnlyOK:  opts.ReadOnlyOK,
		onProgress:  opts.OnProgress,
	}, nil
}

// CacheDir returns the resolver's cache root.
func (r *Resolver) CacheDir() string {
	return r.cacheDir
}

// Resolve determines whether the identifier is a local path or a URL.
// For a remote resource it downloads and caches the file if the cache
// has no copy of the remote's current version, then returns the cached
// path. For a local path it verifies existence and returns the
// canonical path.
//
// With opts.Extract, archives resolve to their extraction directory,
// and the identifier may carry an "!member/path" suffix to address a
// single file inside the archive.
func (r *Resolver) Resolve(ctx context.Context, identifier string, opts ResolveOptions) (string, error) {
	// "/a/b/foo.zip!c/d/file.txt" syntax.
	if bang := strings.Index(identifier, "!"); opts.Extract && bang >= 0 {
		archivePart := identifier[:bang]
		member := identifier[bang+1:]

		archiveDir, err := r.Resolve(ctx, archivePart, ResolveOptions{
			Extract:      true,
			ForceExtract: opts.ForceExtract,
			NoDownloads:  opts.NoDownloads,
		})
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(archiveDir); err != nil || !info.IsDir() {
			return "", eris.Errorf("%s uses the archive-member syntax, but does not reference an archive", identifier)
		}

		memberPath := filepath.Join(archiveDir, filepath.FromSlash(member))
		if _, err := os.Stat(memberPath); err != nil {
			return "", eris.Wrapf(ErrNotFound, "%q not found within %q", member, archivePart)
		}
		return memberPath, nil
	}

	cls, err := r.classify(identifier)
	if err != nil {
		return "", err
	}

	var filePath, extractionPath, etag, resource string
	switch cls.kind {
	case kindRemote:
		resource = identifier
		filePath, etag, err = r.getFromCache(ctx, identifier, opts.NoDownloads)
		if err != nil {
			return "", err
		}
		if opts.Extract && extract.IsArchive(filePath) {
			// ~/.cache/cachepath/2132...f21 -> ~/.cache/cachepath/2132...f21-extracted
			extractionPath = filePath + meta.ExtractedSuffix
		}

	case kindLocal:
		canonical, cerr := canonicalize(cls.path)
		if cerr != nil {
			return "", cerr
		}
		resource = canonical
		filePath = canonical

		if opts.Extract && extract.IsArchive(filePath) {
			// The extraction directory's name hashes the canonical
			// path plus its modification time, so edits to the
			// archive invalidate the cached extraction.
			info, serr := os.Stat(filePath)
			if serr != nil {
				return "", eris.Wrapf(serr, "stat %s", filePath)
			}
			mtime := strconv.FormatInt(info.ModTime().UnixNano(), 10)
			extractionPath = filepath.Join(r.cacheDir, ResourceToFilename(canonical, mtime)+meta.ExtractedSuffix)
		}

	case kindLocalMissing:
		return "", eris.Wrapf(ErrNotFound, "file %s", cls.path)
	}

	if extractionPath != "" {
		return r.extractArchive(ctx, resource, filePath, extractionPath, etag, opts.ForceExtract)
	}
	return filePath, nil
}

// extractArchive implements the extraction sub-protocol: fast path on
// an existing non-empty directory, per-target lock, staging into a
// temporary sibling directory, atomic rename, sidecar write.
func (r *Resolver) extractArchive(ctx context.Context, resource, archivePath, extractionPath, etag string, force bool) (string, error) {
	// No lock needed unless we actually have to extract.
	if dirNonEmpty(extractionPath) && !force {
		return extractionPath, nil
	}

	lock := lockfile.New(cachefile.LockPath(extractionPath), r.readOnlyOK)
	if err := lock.Acquire(ctx, r.lockTimeout); err != nil {
		return "", err
	}
	defer lock.Release() //nolint:errcheck

	// Check again now that we hold the lock.
	if dirNonEmpty(extractionPath) {
		if !force {
			return extractionPath, nil
		}
		zap.L().Warn("extraction directory already exists, overwriting since force extraction is on",
			zap.String("resource", resource),
			zap.String("path", extractionPath),
		)
	}

	zap.L().Info("extracting archive",
		zap.String("resource", resource),
		zap.String("path", extractionPath),
	)
	if err := os.RemoveAll(extractionPath); err != nil {
		return "", eris.Wrapf(err, "remove stale extraction directory %s", extractionPath)
	}

	// Extract into a temporary sibling first so a failure never
	// leaves a partially populated directory at the final path.
	tmpDir, err := os.MkdirTemp(filepath.Dir(extractionPath), filepath.Base(extractionPath)+".tmp-")
	if err != nil {
		return "", eris.Wrap(err, "create staging directory")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	if err := extract.Extract(archivePath, tmpDir); err != nil {
		return "", err
	}
	if err := os.Rename(tmpDir, extractionPath); err != nil {
		return "", eris.Wrapf(err, "rename %s to %s", tmpDir, extractionPath)
	}

	m, err := meta.New(resource, extractionPath, etag, true)
	if err != nil {
		return "", err
	}
	if err := m.Write(); err != nil {
		return "", err
	}

	return extractionPath, nil
}

// canonicalize returns the absolute path with symlinks resolved.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", eris.Wrapf(err, "resolve %s", path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", eris.Wrapf(err, "resolve %s", path)
	}
	return resolved, nil
}

func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

// isDir reports whether path exists and is a directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

package cachepath

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cachepath/internal/cachefile"
	"github.com/sells-group/cachepath/internal/meta"
	"github.com/sells-group/cachepath/scheme"
)

// getFromCache looks for the remote resource in the cache, downloading
// it if necessary, and returns the cached path and the version token
// it was fetched under.
func (r *Resolver) getFromCache(ctx context.Context, url string, noDownloads bool) (string, string, error) {
	// The hub performs its own internal caching and hands back a
	// finalized local path; it never goes through the locked writer.
	if strings.HasPrefix(url, scheme.HubScheme+"://") {
		return r.getFromHub(ctx, url, noDownloads)
	}

	if noDownloads {
		latest := findLatestCached(url, r.cacheDir)
		if latest == "" {
			return "", "", eris.Wrapf(ErrNotFound, "no cached version of %s on disk", url)
		}
		var etag string
		if m, err := meta.Read(meta.SidecarPath(latest)); err == nil {
			etag = m.ETag
		}
		return latest, etag, nil
	}

	client, err := r.registry.ClientFor(url)
	if err != nil {
		return "", "", err
	}

	etag, err := client.VersionToken(ctx)
	if err != nil {
		switch {
		case errors.Is(err, scheme.ErrNotFound):
			return "", "", err

		case scheme.IsRecoverable(err):
			// We might be offline. Use the latest cached version of
			// the resource if one exists; fail only when we've never
			// cached it.
			zap.L().Warn("connection error while fetching version token, will attempt to use latest cached version",
				zap.String("resource", url),
				zap.Error(err),
			)
			latest := findLatestCached(url, r.cacheDir)
			if latest == "" {
				zap.L().Error("version check failed with a recoverable error, but no cached version exists",
					zap.String("resource", url),
				)
				return "", "", err
			}
			var cachedETag string
			if m, merr := meta.Read(meta.SidecarPath(latest)); merr == nil {
				cachedETag = m.ETag
			}
			zap.L().Info("using latest cached version",
				zap.String("resource", url),
				zap.String("path", latest),
			)
			return latest, cachedETag, nil

		default:
			// The freshness probe itself failed in an unrecognized
			// way; cache without a freshness key rather than abort.
			zap.L().Warn("version check failed, caching without a freshness key",
				zap.String("resource", url),
				zap.Error(err),
			)
			etag = ""
		}
	}

	cachePath := filepath.Join(r.cacheDir, ResourceToFilename(url, etag))

	// Multiple processes may be caching the same file at once; the
	// locked writer guarantees a single producer.
	created, err := cachefile.WriteOnce(ctx, cachePath,
		cachefile.Options{LockTimeout: r.lockTimeout, ReadOnlyOK: r.readOnlyOK},
		func(f *os.File) error {
			zap.L().Info("not found in cache, downloading",
				zap.String("resource", url),
				zap.String("path", cachePath),
			)
			total := scheme.SizeUnknown
			if size, serr := client.Size(ctx); serr == nil {
				total = size
			}
			var w io.Writer = f
			if r.onProgress != nil {
				w = &progressWriter{w: f, resource: url, total: total, report: r.onProgress}
			}
			return client.Fetch(ctx, w)
		},
		func() error {
			zap.L().Debug("creating metadata sidecar", zap.String("path", cachePath))
			m, merr := meta.New(url, cachePath, etag, false)
			if merr != nil {
				return merr
			}
			return m.Write()
		},
	)
	if err != nil {
		return "", "", err
	}
	if !created {
		zap.L().Debug("cache is up-to-date", zap.String("resource", url))
	}

	return cachePath, etag, nil
}

// getFromHub delegates to the hub client and synthesizes a sidecar
// when the hub's own layout doesn't have one yet.
func (r *Resolver) getFromHub(ctx context.Context, url string, noDownloads bool) (string, string, error) {
	if noDownloads {
		return "", "", eris.Wrapf(ErrNotFound, "downloads disabled and %s is resolved by the hub", url)
	}

	path, err := r.hub.Resolve(ctx, url, r.cacheDir)
	if err != nil {
		return "", "", err
	}

	if _, err := meta.Read(meta.SidecarPath(path)); err != nil {
		m, merr := meta.New(url, path, "", isDir(path))
		if merr != nil {
			return "", "", merr
		}
		if werr := m.Write(); werr != nil {
			return "", "", werr
		}
	}
	return path, "", nil
}

// progressWriter reports bytes written to the resolver's progress
// sink.
type progressWriter struct {
	w        io.Writer
	resource string
	total    int64
	written  int64
	report   ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.report(p.resource, p.written, p.total)
	return n, err
}

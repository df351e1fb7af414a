package cachepath

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cachepath/internal/meta"
)

// ResourceToFilename converts a resource identifier into its cache
// filename in a repeatable way: the hex sha256 of the identifier's
// UTF-8 bytes, with the hex sha256 of the version token appended after
// a period when one exists. Distinct versions of the same resource
// therefore coexist as distinct cache entries.
//
// FilenameToResource is the inverse (via the sidecar, not by reversing
// the hash).
func ResourceToFilename(resource, etag string) string {
	h := sha256.Sum256([]byte(resource))
	filename := hex.EncodeToString(h[:])

	if etag != "" {
		eh := sha256.Sum256([]byte(etag))
		filename += "." + hex.EncodeToString(eh[:])
	}

	return filename
}

// FilenameToResource returns the resource identifier and version token
// recorded for a cache filename. It fails with ErrNotFound when the
// cached file or its sidecar is missing.
func FilenameToResource(filename, cacheDir string) (resource string, etag string, err error) {
	cachePath := filepath.Join(cacheDir, filename)
	if _, err := os.Stat(cachePath); err != nil {
		return "", "", eris.Wrapf(ErrNotFound, "file %s", cachePath)
	}

	m, err := meta.Read(meta.SidecarPath(cachePath))
	if err != nil {
		return "", "", eris.Wrapf(ErrNotFound, "metadata for %s", cachePath)
	}
	return m.Resource, m.ETag, nil
}

// findLatestCached returns the most recently modified cached version
// of a resource, or "" if none exists. Sidecars, lock files, staging
// temp files, and extraction directories are not versions.
func findLatestCached(resource, cacheDir string) string {
	pattern := filepath.Join(cacheDir, ResourceToFilename(resource, "")+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return ""
	}

	var latest string
	var latestMod int64
	for _, path := range matches {
		if strings.HasSuffix(path, meta.Suffix) ||
			strings.HasSuffix(path, ".lock") ||
			strings.HasSuffix(path, meta.ExtractedSuffix) ||
			strings.Contains(filepath.Base(path), ".tmp-") {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest, latestMod = path, mod
		}
	}
	return latest
}

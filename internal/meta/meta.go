// Package meta reads and writes the JSON sidecar that records the
// provenance of every cache entry.
package meta

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// Suffix is appended to a cached path to form its sidecar path.
const Suffix = ".json"

// ExtractedSuffix marks extraction directories in the cache layout.
const ExtractedSuffix = "-extracted"

// Meta describes one cache entry. Any resource downloaded to, or
// extracted in, the cache directory has one of these written next to
// it.
//
// Older caches wrote a two-field document {"url", "etag"}; Read
// back-fills the remaining fields from the artifact itself.
type Meta struct {
	// Resource is the URL or normalized path the entry came from.
	Resource string `json:"resource"`

	// CachedPath is the local path of the cached artifact.
	CachedPath string `json:"cached_path"`

	// CreationTime is the unix timestamp (seconds, fractional) of
	// when the resource was cached or extracted.
	CreationTime float64 `json:"creation_time"`

	// Size of the artifact in bytes. For directories, the recursive
	// total with hard-linked inodes counted once.
	Size int64 `json:"size"`

	// ETag is the version token the resource had at fetch time, if
	// the backend supplied one.
	ETag string `json:"etag,omitempty"`

	// ExtractionDir is true when CachedPath is a directory produced
	// by archive extraction.
	ExtractionDir bool `json:"extraction_dir"`
}

// New builds a Meta for a just-committed artifact, statting it for
// its size.
func New(resource, cachedPath, etag string, extractionDir bool) (Meta, error) {
	size, err := ResourceSize(cachedPath)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		Resource:      resource,
		CachedPath:    cachedPath,
		CreationTime:  float64(time.Now().UnixNano()) / float64(time.Second),
		Size:          size,
		ETag:          etag,
		ExtractionDir: extractionDir,
	}, nil
}

// SidecarPath returns the sidecar path for a cached path.
func SidecarPath(cachedPath string) string {
	return cachedPath + Suffix
}

// Write serializes the meta to its sidecar with a single write+close.
// The sidecar is only ever written under the entry's lock, after the
// artifact has been committed, so atomic replacement isn't needed
// here.
func (m Meta) Write() error {
	data, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "meta: marshal")
	}
	if err := os.WriteFile(SidecarPath(m.CachedPath), data, 0o644); err != nil {
		return eris.Wrapf(err, "meta: write sidecar for %s", m.CachedPath)
	}
	return nil
}

// Read loads a sidecar document, tolerating the legacy two-field
// schema.
func Read(sidecarPath string) (Meta, error) {
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Meta{}, eris.Wrapf(fs.ErrNotExist, "meta: sidecar %s", sidecarPath)
		}
		return Meta{}, eris.Wrapf(err, "meta: read sidecar %s", sidecarPath)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Meta{}, eris.Wrapf(err, "meta: parse sidecar %s", sidecarPath)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, eris.Wrapf(err, "meta: parse sidecar %s", sidecarPath)
	}

	// Back-fill legacy documents.
	if _, ok := raw["resource"]; !ok {
		var legacyURL string
		if rawURL, ok := raw["url"]; ok {
			if err := json.Unmarshal(rawURL, &legacyURL); err != nil {
				return Meta{}, eris.Wrapf(err, "meta: parse legacy url in %s", sidecarPath)
			}
		}
		m.Resource = legacyURL
	}
	if m.CachedPath == "" {
		m.CachedPath = strings.TrimSuffix(sidecarPath, Suffix)
	}
	if _, ok := raw["creation_time"]; !ok {
		if info, err := os.Stat(m.CachedPath); err == nil {
			m.CreationTime = float64(info.ModTime().UnixNano()) / float64(time.Second)
		}
	}
	if _, ok := raw["extraction_dir"]; !ok {
		m.ExtractionDir = strings.HasSuffix(sidecarPath, ExtractedSuffix+Suffix)
	}
	if _, ok := raw["size"]; !ok {
		size, err := ResourceSize(m.CachedPath)
		if err != nil {
			return Meta{}, err
		}
		m.Size = size
	}

	return m, nil
}

// ResourceSize returns the size of a file, or for a directory the sum
// of the sizes of all regular files in its tree, counting each inode
// exactly once so hard-linked duplicates aren't double-counted.
// Symlinks are skipped.
func ResourceSize(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, eris.Wrapf(err, "meta: stat %s", path)
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	inodes := make(map[uint64]struct{})
	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			if _, seen := inodes[st.Ino]; seen {
				return nil
			}
			inodes[st.Ino] = struct{}{}
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "meta: walk %s", path)
	}
	return total, nil
}

package meta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	cached := filepath.Join(dir, "abc123")
	require.NoError(t, os.WriteFile(cached, []byte("twelve bytes"), 0o644))

	m, err := New("https://example.com/data.bin", cached, `"etag-1"`, false)
	require.NoError(t, err)
	assert.Equal(t, int64(12), m.Size)
	assert.InDelta(t, float64(time.Now().Unix()), m.CreationTime, 5)

	require.NoError(t, m.Write())

	got, err := Read(SidecarPath(cached))
	require.NoError(t, err)
	assert.Equal(t, m.Resource, got.Resource)
	assert.Equal(t, m.CachedPath, got.CachedPath)
	assert.Equal(t, m.ETag, got.ETag)
	assert.Equal(t, m.Size, got.Size)
	assert.False(t, got.ExtractionDir)
}

func TestReadMissingSidecar(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestReadLegacySchema(t *testing.T) {
	dir := t.TempDir()
	cached := filepath.Join(dir, "abc123")
	require.NoError(t, os.WriteFile(cached, []byte("old content"), 0o644))
	require.NoError(t, os.WriteFile(SidecarPath(cached), []byte(`{"url":"http://old.example/x","etag":"e99"}`), 0o644))

	m, err := Read(SidecarPath(cached))
	require.NoError(t, err)
	assert.Equal(t, "http://old.example/x", m.Resource)
	assert.Equal(t, "e99", m.ETag)
	assert.Equal(t, cached, m.CachedPath)
	assert.Equal(t, int64(11), m.Size)
	assert.Greater(t, m.CreationTime, float64(0))
	assert.False(t, m.ExtractionDir)
}

func TestReadLegacyExtractionDir(t *testing.T) {
	dir := t.TempDir()
	extracted := filepath.Join(dir, "abc123-extracted")
	require.NoError(t, os.MkdirAll(extracted, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(extracted, "f"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(SidecarPath(extracted), []byte(`{"url":"http://old.example/a.zip"}`), 0o644))

	m, err := Read(SidecarPath(extracted))
	require.NoError(t, err)
	assert.True(t, m.ExtractionDir)
	assert.Equal(t, int64(1), m.Size)
}

func TestResourceSizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	size, err := ResourceSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestResourceSizeDirDedupesHardLinks(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	require.NoError(t, os.WriteFile(orig, []byte("ten bytes!"), 0o644))
	require.NoError(t, os.Link(orig, filepath.Join(dir, "hard")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("abc"), 0o644))

	size, err := ResourceSize(dir)
	require.NoError(t, err)
	// The hard link shares orig's inode and is counted once.
	assert.Equal(t, int64(13), size)
}

func TestResourceSizeSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	require.NoError(t, os.WriteFile(orig, []byte("ten bytes!"), 0o644))
	require.NoError(t, os.Symlink(orig, filepath.Join(dir, "soft")))

	size, err := ResourceSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t, "/cache/abc.json", SidecarPath("/cache/abc"))
}

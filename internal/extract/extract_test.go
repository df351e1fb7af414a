package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "archive.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func writeTarGz(t *testing.T, dir string, headers []*tar.Header, bodies map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "archive.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for _, hdr := range headers {
		body := bodies[hdr.Name]
		hdr.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(hdr))
		if body != "" {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := writeZip(t, dir, map[string]string{
		"a.txt":       "alpha",
		"sub/b.txt":   "beta",
		"sub/c/d.txt": "delta",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, Extract(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "sub", "c", "d.txt"))
	require.NoError(t, err)
	assert.Equal(t, "delta", string(data))
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, []*tar.Header{
		{Name: "sub/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "sub/file.txt", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "sub/file.txt", Mode: 0o777},
	}, map[string]string{
		"sub/file.txt": "tar content",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, Extract(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "sub", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tar content", string(data))

	// The symlink resolves within the extraction root.
	data, err = os.ReadFile(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "tar content", string(data))
}

func TestExtractRejectsTraversalMember(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, []*tar.Header{
		{Name: "../evil.txt", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{
		"../evil.txt": "nope",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	err := Extract(archive, dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafe)
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
}

func TestExtractRejectsEscapingSymlink(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, []*tar.Header{
		{Name: "ok.txt", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "escape", Typeflag: tar.TypeSymlink, Linkname: "../../etc/passwd", Mode: 0o777},
	}, map[string]string{
		"ok.txt": "fine",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	err := Extract(archive, dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafe)

	// Validation happens before extraction, so nothing was written.
	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtractRejectsAbsoluteSymlinkTarget(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, []*tar.Header{
		{Name: "abs", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd", Mode: 0o777},
	}, nil)

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	assert.ErrorIs(t, Extract(archive, dest), ErrUnsafe)
}

func TestExtractRejectsDeviceMember(t *testing.T) {
	dir := t.TempDir()
	archive := writeTarGz(t, dir, []*tar.Header{
		{Name: "dev", Typeflag: tar.TypeChar, Mode: 0o644},
	}, nil)

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	assert.ErrorIs(t, Extract(archive, dest), ErrUnsafe)
}

func TestIsArchive(t *testing.T) {
	dir := t.TempDir()

	zipPath := writeZip(t, dir, map[string]string{"a": "1"})
	assert.True(t, IsArchive(zipPath))

	tarPath := writeTarGz(t, dir, []*tar.Header{
		{Name: "a", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"a": "1"})
	assert.True(t, IsArchive(tarPath))

	plain := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("just text, long enough to have a header"), 0o644))
	assert.False(t, IsArchive(plain))

	assert.False(t, IsArchive(dir))
	assert.False(t, IsArchive(filepath.Join(dir, "missing")))
}

func TestIsArchiveUncompressedTar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "x", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	assert.True(t, IsArchive(path))
}

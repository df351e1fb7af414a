// Package extract validates and extracts zip and tar archives.
//
// Every archive member is validated before anything touches disk:
// member paths and link targets must resolve inside the extraction
// root, and only regular files, directories, hard links, and symlinks
// are allowed. A single violation fails the whole extraction.
package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnsafe indicates an archive member would escape the extraction
// root or has a disallowed type.
var ErrUnsafe = errors.New("unsafe archive member")

// Zip magic numbers: regular, empty, and spanned archives.
var zipMagics = [][]byte{
	[]byte("PK\x03\x04"),
	[]byte("PK\x05\x06"),
	[]byte("PK\x07\x08"),
}

// IsArchive reports whether the file at path is a zip or (possibly
// gzip-compressed) tar archive, by content.
func IsArchive(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return isZip(path) || isTar(path)
}

func isZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	for _, m := range zipMagics {
		if bytes.Equal(magic, m) {
			return true
		}
	}
	return false
}

func isTar(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck

	r, err := tarReader(f)
	if err != nil {
		return false
	}
	_, err = r.Next()
	return err == nil
}

// tarReader wraps f in a gzip reader when the content is
// gzip-compressed.
func tarReader(f *os.File) (*tar.Reader, error) {
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		return tar.NewReader(gz), nil
	}
	return tar.NewReader(f), nil
}

// Extract unpacks the archive at archivePath into destDir, which must
// already exist. On a safety violation it returns an error wrapping
// ErrUnsafe and writes nothing further; the caller is responsible for
// discarding destDir.
func Extract(archivePath, destDir string) error {
	if isZip(archivePath) {
		return extractZip(archivePath, destDir)
	}
	if isTar(archivePath) {
		return extractTar(archivePath, destDir)
	}
	return eris.Errorf("extract: %s is not a recognized archive", archivePath)
}

// resolveInside resolves a member path against root and rejects it if
// it would fall outside. Returns the resolved on-disk path.
func resolveInside(root, name string) (string, error) {
	cleaned := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(name, "/")))
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(os.PathSeparator)) {
		return "", eris.Wrapf(ErrUnsafe, "member %q escapes the extraction root", name)
	}
	return cleaned, nil
}

// checkLink validates a link target relative to the member's own
// directory (symlinks) or the archive root (hard links).
func checkLink(root, memberName, linkName string, symlink bool) error {
	var target string
	if symlink && !filepath.IsAbs(linkName) {
		target = filepath.Join(root, filepath.Dir(filepath.FromSlash(memberName)), filepath.FromSlash(linkName))
	} else {
		target = filepath.Join(root, filepath.FromSlash(linkName))
	}
	target = filepath.Clean(target)
	if filepath.IsAbs(linkName) || (target != root && !strings.HasPrefix(target, root+string(os.PathSeparator))) {
		return eris.Wrapf(ErrUnsafe, "member %q links to %q outside the extraction root", memberName, linkName)
	}
	return nil
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	root := filepath.Clean(destDir)

	// Validate everything before extracting anything.
	for _, f := range r.File {
		mode := f.FileInfo().Mode()
		switch {
		case mode.IsRegular(), mode.IsDir(), mode&fs.ModeSymlink != 0:
		default:
			return eris.Wrapf(ErrUnsafe, "member %q has disallowed type %s", f.Name, mode.Type())
		}
		if _, err := resolveInside(root, f.Name); err != nil {
			return err
		}
		if mode&fs.ModeSymlink != 0 {
			target, err := zipLinkTarget(f)
			if err != nil {
				return err
			}
			if err := checkLink(root, f.Name, target, true); err != nil {
				return err
			}
		}
	}

	for _, f := range r.File {
		if err := extractZipEntry(f, root); err != nil {
			return err
		}
	}
	return nil
}

func zipLinkTarget(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open symlink member %q", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	target, err := io.ReadAll(rc)
	if err != nil {
		return "", eris.Wrapf(err, "zip: read symlink member %q", f.Name)
	}
	return string(target), nil
}

func extractZipEntry(f *zip.File, root string) error {
	destPath, err := resolveInside(root, f.Name)
	if err != nil {
		return err
	}

	mode := f.FileInfo().Mode()
	switch {
	case mode.IsDir():
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return eris.Wrap(err, "zip: create directory")
		}
		return nil
	case mode&fs.ModeSymlink != 0:
		target, err := zipLinkTarget(f)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return eris.Wrap(err, "zip: create parent directory")
		}
		if err := os.Symlink(target, destPath); err != nil {
			return eris.Wrapf(err, "zip: create symlink %q", f.Name)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return eris.Wrap(err, "zip: write file")
	}
	return nil
}

func extractTar(archivePath, destDir string) error {
	if err := checkTar(archivePath, destDir); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return eris.Wrap(err, "tar: open archive")
	}
	defer f.Close() //nolint:errcheck

	tr, err := tarReader(f)
	if err != nil {
		return eris.Wrap(err, "tar: read archive")
	}

	root := filepath.Clean(destDir)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "tar: read entry")
		}
		if err := extractTarEntry(tr, hdr, root); err != nil {
			return err
		}
	}
}

// checkTar validates every member of the archive in a first pass so
// that an unsafe member late in the stream never leaves a partial
// tree behind.
func checkTar(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return eris.Wrap(err, "tar: open archive")
	}
	defer f.Close() //nolint:errcheck

	tr, err := tarReader(f)
	if err != nil {
		return eris.Wrap(err, "tar: read archive")
	}

	root := filepath.Clean(destDir)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "tar: read entry")
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir, tar.TypeLink, tar.TypeSymlink:
		default:
			return eris.Wrapf(ErrUnsafe, "member %q has disallowed type %q", hdr.Name, hdr.Typeflag)
		}

		if _, err := resolveInside(root, hdr.Name); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeLink || hdr.Typeflag == tar.TypeSymlink {
			if err := checkLink(root, hdr.Name, hdr.Linkname, hdr.Typeflag == tar.TypeSymlink); err != nil {
				return err
			}
		}
	}
}

func extractTarEntry(tr *tar.Reader, hdr *tar.Header, root string) error {
	destPath, err := resolveInside(root, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return eris.Wrap(err, "tar: create directory")
		}
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return eris.Wrap(err, "tar: create parent directory")
		}
		if err := os.Symlink(hdr.Linkname, destPath); err != nil {
			return eris.Wrapf(err, "tar: create symlink %q", hdr.Name)
		}
	case tar.TypeLink:
		linkTarget, err := resolveInside(root, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return eris.Wrap(err, "tar: create parent directory")
		}
		if err := os.Link(linkTarget, destPath); err != nil {
			return eris.Wrapf(err, "tar: create hard link %q", hdr.Name)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return eris.Wrap(err, "tar: create parent directory")
		}
		out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
		if err != nil {
			return eris.Wrap(err, "tar: create file")
		}
		if _, err := io.Copy(out, tr); err != nil {
			_ = out.Close()
			return eris.Wrap(err, "tar: write file")
		}
		if err := out.Close(); err != nil {
			return eris.Wrap(err, "tar: close file")
		}
	}
	return nil
}

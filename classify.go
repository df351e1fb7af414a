package cachepath

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

type kind int

const (
	kindLocal kind = iota
	kindLocalMissing
	kindRemote
)

// classification is the result of deciding what an identifier refers
// to. For local kinds, path holds the home-expanded filesystem path.
type classification struct {
	kind   kind
	scheme string
	path   string
}

// classify decides whether an identifier is a remote URL of a
// registered scheme, an existing local path, or a missing local path.
// An identifier with an unrecognized scheme and no file at the
// literal string is malformed input, distinct from NotFound.
func (r *Resolver) classify(identifier string) (classification, error) {
	expanded, err := expandHome(identifier)
	if err != nil {
		return classification{}, err
	}

	var schemeName string
	if u, perr := url.Parse(identifier); perr == nil {
		schemeName = u.Scheme
	}

	if schemeName != "" && r.registry.Supports(schemeName) {
		return classification{kind: kindRemote, scheme: schemeName}, nil
	}

	if _, serr := os.Stat(expanded); serr == nil {
		return classification{kind: kindLocal, path: expanded}, nil
	}

	if schemeName == "" {
		return classification{kind: kindLocalMissing, path: expanded}, nil
	}

	return classification{}, eris.Wrapf(ErrMalformed, "%q", identifier)
}

// IsURLOrExistingFile reports whether the identifier is a URL of a
// registered scheme or the path of an existing file.
func (r *Resolver) IsURLOrExistingFile(identifier string) bool {
	cls, err := r.classify(identifier)
	if err != nil {
		return false
	}
	return cls.kind != kindLocalMissing
}

// expandHome expands a leading "~" or "~/" to the user's home
// directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", eris.Wrap(err, "expand home directory")
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

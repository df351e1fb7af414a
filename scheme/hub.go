package scheme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// HubClient resolves identifiers under the reserved indirection scheme
// to local paths. Implementations perform their own internal caching
// and return an already-finalized path, so results do not go through
// the locked cache writer.
type HubClient interface {
	Resolve(ctx context.Context, identifier string, cacheDir string) (string, error)
}

// HubOptions configures the default hub client.
type HubOptions struct {
	// Endpoint is the hub base URL. Defaults to https://huggingface.co.
	Endpoint string

	HTTPClient *http.Client
	UserAgent  string
}

// DefaultHub returns a hub client for the HuggingFace Hub.
func DefaultHub() HubClient {
	return NewHubClient(HubOptions{})
}

// NewHubClient creates a hub client with the given options.
func NewHubClient(opts HubOptions) HubClient {
	if opts.Endpoint == "" {
		opts.Endpoint = "https://huggingface.co"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cachepath/1.0"
	}
	return &hubClient{opts: opts}
}

type hubClient struct {
	opts HubOptions
}

// hubRef is a parsed hub identifier: a repository id, an optional
// revision, and an optional file path within the repository.
type hubRef struct {
	repoID   string
	revision string
	filename string
}

// parseHubIdentifier splits an identifier of the form
// "hf://org/name/path/to/file" or "hf://org/name@revision".
//
// A two-segment identifier like "hf://A/B" is ambiguous: it could be
// file B in repository A, or the repository A/B. The caller tries the
// first interpretation and falls back to the second on NotFound.
func parseHubIdentifier(identifier string) (primary hubRef, fallback *hubRef, err error) {
	id := strings.TrimPrefix(identifier, HubScheme+"://")
	if id == "" {
		return hubRef{}, nil, eris.Errorf("hub: empty identifier %q", identifier)
	}

	splitRevision := func(repoID string) (string, string) {
		if i := strings.Index(repoID, "@"); i >= 0 {
			return repoID[:i], repoID[i+1:]
		}
		return repoID, ""
	}

	segments := strings.Split(id, "/")
	switch {
	case len(segments) == 1:
		// Bare repository id: whole-repository snapshot.
		repo, rev := splitRevision(segments[0])
		return hubRef{repoID: repo, revision: rev}, nil, nil
	case len(segments) == 2:
		repo, rev := splitRevision(segments[0])
		primary = hubRef{repoID: repo, revision: rev, filename: segments[1]}
		wholeRepo, wholeRev := splitRevision(id)
		return primary, &hubRef{repoID: wholeRepo, revision: wholeRev}, nil
	default:
		repo, rev := splitRevision(strings.Join(segments[:2], "/"))
		return hubRef{repoID: repo, revision: rev, filename: strings.Join(segments[2:], "/")}, nil, nil
	}
}

// Resolve downloads the referenced file (or repository snapshot) into
// the hub's own cache layout under cacheDir and returns its path.
func (h *hubClient) Resolve(ctx context.Context, identifier string, cacheDir string) (string, error) {
	primary, fallback, err := parseHubIdentifier(identifier)
	if err != nil {
		return "", err
	}

	path, err := h.fetchRef(ctx, primary, cacheDir)
	if err != nil && fallback != nil && errors.Is(err, ErrNotFound) {
		// "A/B" didn't name a file in repository A; retry it as the
		// repository A/B.
		zap.L().Debug("hub: retrying ambiguous identifier as a repository id",
			zap.String("identifier", identifier),
		)
		return h.fetchRef(ctx, hubRef{repoID: fallback.repoID, revision: fallback.revision}, cacheDir)
	}
	return path, err
}

func (h *hubClient) fetchRef(ctx context.Context, ref hubRef, cacheDir string) (string, error) {
	if ref.filename != "" {
		return h.fetchFile(ctx, ref, cacheDir)
	}
	return h.fetchSnapshot(ctx, ref, cacheDir)
}

// localDir is the root of the internal cache layout for one
// repository+revision.
func (h *hubClient) localDir(ref hubRef, cacheDir string) string {
	rev := ref.revision
	if rev == "" {
		rev = "main"
	}
	name := strings.ReplaceAll(ref.repoID, "/", "--") + "@" + rev
	return filepath.Join(cacheDir, "hub", name)
}

func (h *hubClient) fetchFile(ctx context.Context, ref hubRef, cacheDir string) (string, error) {
	local := filepath.Join(h.localDir(ref, cacheDir), filepath.FromSlash(ref.filename))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	rev := ref.revision
	if rev == "" {
		rev = "main"
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", h.opts.Endpoint, ref.repoID, rev, ref.filename)
	if err := h.download(ctx, url, local); err != nil {
		return "", err
	}
	return local, nil
}

// fetchSnapshot downloads every file in the repository, as listed by
// the hub API, and returns the snapshot directory.
func (h *hubClient) fetchSnapshot(ctx context.Context, ref hubRef, cacheDir string) (string, error) {
	dir := h.localDir(ref, cacheDir)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return dir, nil
	}

	rev := ref.revision
	if rev == "" {
		rev = "main"
	}
	listURL := fmt.Sprintf("%s/api/models/%s/revision/%s", h.opts.Endpoint, ref.repoID, rev)
	body, err := h.get(ctx, listURL)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck

	var info struct {
		Siblings []struct {
			Rfilename string `json:"rfilename"`
		} `json:"siblings"`
	}
	if err := json.NewDecoder(body).Decode(&info); err != nil {
		return "", eris.Wrapf(err, "hub: decode repository listing for %s", ref.repoID)
	}

	for _, sib := range info.Siblings {
		fileURL := fmt.Sprintf("%s/%s/resolve/%s/%s", h.opts.Endpoint, ref.repoID, rev, sib.Rfilename)
		local := filepath.Join(dir, filepath.FromSlash(sib.Rfilename))
		if err := h.download(ctx, fileURL, local); err != nil {
			return "", err
		}
	}

	return dir, nil
}

func (h *hubClient) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "hub: create request")
	}
	req.Header.Set("User-Agent", h.opts.UserAgent)
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "hub: get %s", url)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, eris.Wrapf(ErrNotFound, "hub: %s", url)
	case resp.StatusCode != http.StatusOK:
		_ = resp.Body.Close()
		return nil, eris.Errorf("hub: unexpected status %d from %s", resp.StatusCode, url)
	}
	return resp.Body, nil
}

// download fetches url into local via a same-directory temp file and
// an atomic rename.
func (h *hubClient) download(ctx context.Context, url, local string) error {
	body, err := h.get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return eris.Wrap(err, "hub: create cache directory")
	}

	tmp := local + ".tmp-" + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrap(err, "hub: create temp file")
	}

	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "hub: download %s", url)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrap(err, "hub: close temp file")
	}
	if err := os.Rename(tmp, local); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrap(err, "hub: finalize download")
	}
	return nil
}

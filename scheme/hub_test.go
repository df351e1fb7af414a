package scheme

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHubIdentifier(t *testing.T) {
	tests := []struct {
		in          string
		primary     hubRef
		hasFallback bool
	}{
		{"hf://repo-name", hubRef{repoID: "repo-name"}, false},
		{"hf://repo-name@v2", hubRef{repoID: "repo-name", revision: "v2"}, false},
		{"hf://org/thing", hubRef{repoID: "org", filename: "thing"}, true},
		{"hf://org/name/weights.bin", hubRef{repoID: "org/name", filename: "weights.bin"}, false},
		{"hf://org/name@rev1/sub/dir/f.txt", hubRef{repoID: "org/name", revision: "rev1", filename: "sub/dir/f.txt"}, false},
	}
	for _, tt := range tests {
		primary, fallback, err := parseHubIdentifier(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.primary, primary, tt.in)
		assert.Equal(t, tt.hasFallback, fallback != nil, tt.in)
	}

	_, _, err := parseHubIdentifier("hf://")
	require.Error(t, err)
}

func TestParseHubIdentifierAmbiguousFallback(t *testing.T) {
	_, fallback, err := parseHubIdentifier("hf://org/name")
	require.NoError(t, err)
	require.NotNil(t, fallback)
	assert.Equal(t, "org/name", fallback.repoID)
	assert.Empty(t, fallback.filename)
}

func TestHubResolveFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/org/name/resolve/main/weights.bin" {
			_, _ = w.Write([]byte("model bytes"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := NewHubClient(HubOptions{Endpoint: srv.URL})
	cacheDir := t.TempDir()

	path, err := h.Resolve(context.Background(), "hf://org/name/weights.bin", cacheDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "hub", "org--name@main", "weights.bin"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "model bytes", string(data))
}

func TestHubResolveFileCached(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("model bytes"))
	}))
	defer srv.Close()

	h := NewHubClient(HubOptions{Endpoint: srv.URL})
	cacheDir := t.TempDir()

	_, err := h.Resolve(context.Background(), "hf://org/name/weights.bin", cacheDir)
	require.NoError(t, err)
	_, err = h.Resolve(context.Background(), "hf://org/name/weights.bin", cacheDir)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestHubResolveAmbiguousFallsBackToSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/models/org/name/revision/main":
			_, _ = w.Write([]byte(`{"siblings":[{"rfilename":"config.json"},{"rfilename":"weights.bin"}]}`))
		case "/org/name/resolve/main/config.json":
			_, _ = w.Write([]byte(`{}`))
		case "/org/name/resolve/main/weights.bin":
			_, _ = w.Write([]byte("model bytes"))
		default:
			// Includes the primary interpretation, file "name" in
			// repository "org".
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewHubClient(HubOptions{Endpoint: srv.URL})
	cacheDir := t.TempDir()

	path, err := h.Resolve(context.Background(), "hf://org/name", cacheDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "hub", "org--name@main"), path)
	assert.FileExists(t, filepath.Join(path, "config.json"))
	assert.FileExists(t, filepath.Join(path, "weights.bin"))
}

func TestHubResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	h := NewHubClient(HubOptions{Endpoint: srv.URL})
	_, err := h.Resolve(context.Background(), "hf://org/name/missing.bin", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHubResolveRevision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/org/name/resolve/v1.2/f.txt" {
			_, _ = w.Write([]byte("pinned"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := NewHubClient(HubOptions{Endpoint: srv.URL})
	cacheDir := t.TempDir()

	path, err := h.Resolve(context.Background(), "hf://org/name@v1.2/f.txt", cacheDir)
	require.NoError(t, err)
	assert.Contains(t, path, "org--name@v1.2")
}

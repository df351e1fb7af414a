package scheme

import (
	"net/url"
	"sync"

	"github.com/rotisserie/eris"
)

// HubScheme is the reserved indirection scheme. Identifiers under it
// are resolved by a HubClient rather than a Client, because the hub
// service performs its own internal caching and returns a local path
// directly.
const HubScheme = "hf"

// Registry maps URL scheme strings to backend constructors. It is an
// explicit object: construct one (usually via Defaults), inject it
// where needed, and register additional backends at runtime with
// Register. Registering a constructor for a scheme that already has
// one replaces it.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry that only recognizes the
// reserved hub indirection scheme.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Defaults returns a registry with the built-in backends registered:
// http/https, s3, r2, gs, and ftp.
func Defaults() *Registry {
	r := NewRegistry()
	r.Register(func(resource string) (Client, error) {
		return NewHTTPClient(resource, HTTPOptions{})
	}, "http", "https")
	r.Register(NewS3Client, "s3")
	r.Register(NewR2Client, "r2")
	r.Register(NewGSClient, "gs")
	r.Register(func(resource string) (Client, error) {
		return NewFTPClient(resource, FTPOptions{})
	}, "ftp")
	return r
}

// Register binds a constructor to one or more scheme strings,
// replacing any previous binding.
func (r *Registry) Register(ctor Constructor, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.ctors[s] = ctor
	}
}

// Supports reports whether the registry recognizes the scheme,
// including the reserved hub scheme.
func (r *Registry) Supports(scheme string) bool {
	if scheme == HubScheme {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[scheme]
	return ok
}

// ClientFor constructs a backend client for the given resource URL.
func (r *Registry) ClientFor(resource string) (Client, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return nil, eris.Wrapf(err, "scheme: parse %q", resource)
	}

	r.mu.RLock()
	ctor, ok := r.ctors[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Errorf("scheme: no client registered for scheme %q", u.Scheme)
	}

	return ctor(resource)
}

// Package scheme defines the pluggable backend contract used to fetch
// remote resources, a registry mapping URL schemes to backend
// constructors, and the error taxonomy shared by all backends.
package scheme

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// SizeUnknown is returned by Client.Size when the backend cannot
// determine the resource size up front.
const SizeUnknown int64 = -1

// Client is the capability contract a scheme backend must implement.
// A Client is bound to a single resource URL at construction time.
type Client interface {
	// VersionToken returns an opaque string identifying the current
	// remote version of the resource (an ETag or equivalent), or ""
	// if the backend cannot supply one. It returns an error wrapping
	// ErrNotFound if the resource does not exist, and a recoverable
	// error (see IsRecoverable) for transient network conditions.
	VersionToken(ctx context.Context) (string, error)

	// Size returns the resource size in bytes, or SizeUnknown.
	// Absence of a size is not an error.
	Size(ctx context.Context) (int64, error)

	// Fetch streams the resource's bytes into w. A failure here is
	// never eligible for offline fallback.
	Fetch(ctx context.Context, w io.Writer) error

	// BytesRange reads up to length bytes starting at offset.
	// Backends that cannot serve ranges return ErrRangeUnsupported.
	BytesRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// Constructor builds a Client bound to the given resource URL.
type Constructor func(resource string) (Client, error)

// ErrNotFound indicates the resource does not exist at its source.
var ErrNotFound = errors.New("resource not found")

// ErrRangeUnsupported is returned by BytesRange when the backend
// declines ranged reads. Callers fall back to a whole-file fetch.
var ErrRangeUnsupported = errors.New("byte-range reads not supported")

// RecoverableError wraps an error that represents a transient
// condition (network failure, timeout, gateway error) during a
// version check. The orchestrator may downgrade it to "use the
// latest cached copy". StatusCode is set for HTTP-class backends.
type RecoverableError struct {
	Err        error
	StatusCode int
}

func (e *RecoverableError) Error() string {
	return e.Err.Error()
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// NewRecoverable wraps an error as recoverable with an optional
// HTTP status code.
func NewRecoverable(err error, statusCode int) *RecoverableError {
	return &RecoverableError{Err: err, StatusCode: statusCode}
}

// IsRecoverable reports whether the error (or any error in its chain)
// is a RecoverableError, or matches common transient network patterns
// (timeouts, connection resets, DNS failures). Backends declare
// transience explicitly by wrapping with NewRecoverable; this function
// additionally catches transport-level errors that surface untyped.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var re *RecoverableError
	if errors.As(err, &re) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	recoverablePatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

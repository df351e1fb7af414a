package cachepath

import (
	"errors"

	"github.com/sells-group/cachepath/scheme"
)

// ErrNotFound indicates the resource does not exist locally or
// remotely, or that a named archive member is missing after
// extraction. It is the same sentinel the scheme backends use.
var ErrNotFound = scheme.ErrNotFound

// ErrMalformed indicates an identifier that is neither a local path
// nor a URL of any registered scheme.
var ErrMalformed = errors.New("unable to parse identifier as a URL or as a local path")

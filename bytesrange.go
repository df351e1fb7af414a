package cachepath

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cachepath/scheme"
)

// BytesRange reads length bytes of the resource starting at offset.
// When the backend supports server-side ranges and the resource is
// not already cached, only the requested window travels over the
// network; otherwise the whole resource is resolved first and the
// range is read from the cached file.
func (r *Resolver) BytesRange(ctx context.Context, identifier string, offset, length int64, opts ResolveOptions) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, eris.New("offset and length must be non-negative")
	}

	// Archive members and extraction requests always materialize on
	// disk first.
	if strings.Contains(identifier, "!") || opts.Extract || opts.ForceExtract {
		path, err := r.Resolve(ctx, identifier, opts)
		if err != nil {
			return nil, err
		}
		return bytesFromFile(path, offset, length)
	}

	c, err := r.classify(identifier)
	if err != nil {
		return nil, err
	}

	if c.kind == kindRemote && !strings.HasPrefix(identifier, scheme.HubScheme+"://") {
		// Prefer an already-cached copy over any network traffic.
		if path, _, cerr := r.getFromCache(ctx, identifier, true); cerr == nil {
			return bytesFromFile(path, offset, length)
		}
		if opts.NoDownloads {
			return nil, eris.Wrapf(ErrNotFound, "no cached version of %s on disk", identifier)
		}
		client, cerr := r.registry.ClientFor(identifier)
		if cerr != nil {
			return nil, cerr
		}
		b, rerr := client.BytesRange(ctx, offset, length)
		if rerr == nil {
			return b, nil
		}
		if !errors.Is(rerr, scheme.ErrRangeUnsupported) {
			return nil, rerr
		}
	}

	path, err := r.Resolve(ctx, identifier, opts)
	if err != nil {
		return nil, err
	}
	return bytesFromFile(path, offset, length)
}

func bytesFromFile(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, eris.Wrapf(err, "seek to %d in %s", offset, path)
	}
	b, err := io.ReadAll(io.LimitReader(f, length))
	if err != nil {
		return nil, eris.Wrapf(err, "read %d bytes from %s", length, path)
	}
	return b, nil
}

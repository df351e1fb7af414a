package scheme

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
)

// GSClient fetches objects from Google Cloud Storage.
type GSClient struct {
	resource string
	bucket   string
	key      string

	api   *storage.Client
	attrs *storage.ObjectAttrs
}

// NewGSClient creates a backend for gs:// URLs using application
// default credentials.
func NewGSClient(resource string) (Client, error) {
	bucket, key, err := splitCloudPath(resource, "gs")
	if err != nil {
		return nil, err
	}
	return &GSClient{resource: resource, bucket: bucket, key: key}, nil
}

func (c *GSClient) object(ctx context.Context) (*storage.ObjectHandle, error) {
	if c.api == nil {
		api, err := storage.NewClient(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "gs: create storage client")
		}
		c.api = api
	}
	return c.api.Bucket(c.bucket).Object(c.key), nil
}

func (c *GSClient) ensureAttrs(ctx context.Context) error {
	if c.attrs != nil {
		return nil
	}
	obj, err := c.object(ctx)
	if err != nil {
		return err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return c.mapError(err, "object attrs")
	}
	c.attrs = attrs
	return nil
}

func (c *GSClient) mapError(err error, op string) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return eris.Wrapf(ErrNotFound, "gs: %s", c.resource)
	}
	return eris.Wrapf(err, "gs: %s %s", op, c.resource)
}

// VersionToken returns the object's Etag.
func (c *GSClient) VersionToken(ctx context.Context) (string, error) {
	if err := c.ensureAttrs(ctx); err != nil {
		return "", err
	}
	return c.attrs.Etag, nil
}

// Size returns the object's size in bytes.
func (c *GSClient) Size(ctx context.Context) (int64, error) {
	if err := c.ensureAttrs(ctx); err != nil {
		return SizeUnknown, err
	}
	return c.attrs.Size, nil
}

// Fetch streams the object into w.
func (c *GSClient) Fetch(ctx context.Context, w io.Writer) error {
	obj, err := c.object(ctx)
	if err != nil {
		return err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return c.mapError(err, "open reader")
	}
	defer r.Close() //nolint:errcheck

	if _, err := io.Copy(w, r); err != nil {
		return eris.Wrapf(err, "gs: stream %s", c.resource)
	}
	return nil
}

// BytesRange reads a byte range via a range reader.
func (c *GSClient) BytesRange(ctx context.Context, offset, length int64) ([]byte, error) {
	obj, err := c.object(ctx)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, c.mapError(err, "open range reader")
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "gs: read range from %s", c.resource)
	}
	return data, nil
}

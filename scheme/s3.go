package scheme

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rotisserie/eris"
)

// splitCloudPath splits a bucket-style URL into bucket name and
// object key.
func splitCloudPath(rawURL, provider string) (bucket string, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrapf(err, "%s: parse url", provider)
	}
	if u.Host == "" || u.Path == "" {
		return "", "", eris.Errorf("bad %s path %q", provider, rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// clientMaker builds the underlying SDK client on first use so that
// constructing a backend never requires credentials or network access.
type clientMaker func(ctx context.Context) (*s3.Client, error)

// S3Client fetches objects from S3-compatible stores. It backs both
// the s3 and r2 schemes.
type S3Client struct {
	resource string
	bucket   string
	key      string
	provider string
	newAPI   clientMaker

	api  *s3.Client
	head *s3.HeadObjectOutput
}

// NewS3Client creates a backend for s3:// URLs. It uses the default
// AWS credential chain, falling back to anonymous (unsigned) requests
// when no credentials are configured.
func NewS3Client(resource string) (Client, error) {
	bucket, key, err := splitCloudPath(resource, "s3")
	if err != nil {
		return nil, err
	}
	return &S3Client{
		resource: resource,
		bucket:   bucket,
		key:      key,
		provider: "s3",
		newAPI: func(ctx context.Context) (*s3.Client, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithDefaultRegion("us-east-1"))
			if err != nil {
				return nil, eris.Wrap(err, "s3: load aws config")
			}
			if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
				// No credentials: use unsigned requests, which is
				// enough for public buckets.
				cfg.Credentials = aws.AnonymousCredentials{}
			}
			return s3.NewFromConfig(cfg), nil
		},
	}, nil
}

// NewR2Client creates a backend for r2:// URLs (Cloudflare R2 exposes
// an S3-compatible API at an account-specific endpoint). It reads
// R2_ENDPOINT_URL plus either R2_PROFILE or the
// R2_ACCESS_KEY_ID/R2_SECRET_ACCESS_KEY pair from the environment.
func NewR2Client(resource string) (Client, error) {
	bucket, key, err := splitCloudPath(resource, "r2")
	if err != nil {
		return nil, err
	}

	endpoint := os.Getenv("R2_ENDPOINT_URL")
	if endpoint == "" {
		return nil, eris.New("r2: endpoint url is not set; did you forget to set the 'R2_ENDPOINT_URL' env var?")
	}

	profile := os.Getenv("R2_PROFILE")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("R2_SECRET_ACCESS_KEY")

	var loadOpts []func(*awsconfig.LoadOptions) error
	switch {
	case accessKeyID != "" && secretAccessKey != "":
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	case profile != "":
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile))
	default:
		return nil, eris.New("r2: set either the 'R2_PROFILE' env var, or 'R2_ACCESS_KEY_ID' and 'R2_SECRET_ACCESS_KEY'")
	}
	loadOpts = append(loadOpts, awsconfig.WithRegion("auto"))

	return &S3Client{
		resource: resource,
		bucket:   bucket,
		key:      key,
		provider: "r2",
		newAPI: func(ctx context.Context) (*s3.Client, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
			if err != nil {
				return nil, eris.Wrap(err, "r2: load aws config")
			}
			return s3.NewFromConfig(cfg, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			}), nil
		},
	}, nil
}

func (c *S3Client) ensureHead(ctx context.Context) error {
	if c.head != nil {
		return nil
	}
	if c.api == nil {
		api, err := c.newAPI(ctx)
		if err != nil {
			return err
		}
		c.api = api
	}

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		return c.mapError(err, "head object")
	}
	c.head = out
	return nil
}

// mapError translates SDK failures into the shared taxonomy: missing
// objects become ErrNotFound, everything else is wrapped verbatim.
func (c *S3Client) mapError(err error, op string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return eris.Wrapf(ErrNotFound, "%s: %s", c.provider, c.resource)
		}
	}
	return eris.Wrapf(err, "%s: %s %s", c.provider, op, c.resource)
}

// VersionToken returns the object's ETag.
func (c *S3Client) VersionToken(ctx context.Context) (string, error) {
	if err := c.ensureHead(ctx); err != nil {
		return "", err
	}
	return aws.ToString(c.head.ETag), nil
}

// Size returns the object's ContentLength.
func (c *S3Client) Size(ctx context.Context) (int64, error) {
	if err := c.ensureHead(ctx); err != nil {
		return SizeUnknown, err
	}
	if c.head.ContentLength == nil {
		return SizeUnknown, nil
	}
	return *c.head.ContentLength, nil
}

// Fetch streams the object body into w.
func (c *S3Client) Fetch(ctx context.Context, w io.Writer) error {
	if err := c.ensureHead(ctx); err != nil {
		return err
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		return c.mapError(err, "get object")
	}
	defer out.Body.Close() //nolint:errcheck

	if _, err := io.Copy(w, out.Body); err != nil {
		return eris.Wrapf(err, "%s: stream %s", c.provider, c.resource)
	}
	return nil
}

// BytesRange reads a byte range via a ranged GetObject.
func (c *S3Client) BytesRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := c.ensureHead(ctx); err != nil {
		return nil, err
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, c.mapError(err, "get object range")
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(out.Body, length))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: read range from %s", c.provider, c.resource)
	}
	return data, nil
}

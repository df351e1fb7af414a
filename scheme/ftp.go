package scheme

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP backend.
type FTPOptions struct {
	Timeout time.Duration
	User    string
	Pass    string
}

// FTPClient fetches ftp:// resources with anonymous login by default.
type FTPClient struct {
	resource string
	host     string
	path     string
	opts     FTPOptions
}

// NewFTPClient creates an FTP backend bound to the given resource.
func NewFTPClient(resource string, opts FTPOptions) (*FTPClient, error) {
	host, path, err := parseFTPURL(resource)
	if err != nil {
		return nil, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Pass = "anonymous@"
	}
	return &FTPClient{resource: resource, host: host, path: path, opts: opts}, nil
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "ftp: parse url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("ftp: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("ftp: empty path in url")
	}

	return host, path, nil
}

func (c *FTPClient) connect(ctx context.Context) (*ftp.ServerConn, error) {
	zap.L().Debug("ftp: connecting", zap.String("host", c.host), zap.String("path", c.path))

	conn, err := ftp.Dial(c.host, ftp.DialWithTimeout(c.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp: dial")
	}

	if err := conn.Login(c.opts.User, c.opts.Pass); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrap(err, "ftp: login")
	}

	return conn, nil
}

// mapFTPError translates server replies: 550 means the file does not
// exist.
func mapFTPError(err error, resource string) error {
	var proto *textproto.Error
	if errors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable {
		return eris.Wrapf(ErrNotFound, "ftp: %s", resource)
	}
	return err
}

// VersionToken returns the file's modification time as reported by
// MDTM, or "" when the server doesn't implement it.
func (c *FTPClient) VersionToken(ctx context.Context) (string, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Quit() //nolint:errcheck

	mtime, err := conn.GetTime(c.path)
	if err != nil {
		var proto *textproto.Error
		if errors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable {
			return "", eris.Wrapf(ErrNotFound, "ftp: %s", c.resource)
		}
		// MDTM is an extension; treat any other refusal as "no token".
		zap.L().Debug("ftp: no modification time available", zap.String("path", c.path), zap.Error(err))
		return "", nil
	}

	return mtime.UTC().Format(time.RFC3339), nil
}

// Size returns the file size from the SIZE command, or SizeUnknown.
func (c *FTPClient) Size(ctx context.Context) (int64, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return SizeUnknown, err
	}
	defer conn.Quit() //nolint:errcheck

	size, err := conn.FileSize(c.path)
	if err != nil {
		return SizeUnknown, nil
	}
	return size, nil
}

// Fetch retrieves the file and streams it into w.
func (c *FTPClient) Fetch(ctx context.Context, w io.Writer) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit() //nolint:errcheck

	resp, err := conn.Retr(c.path)
	if err != nil {
		return mapFTPError(eris.Wrap(err, "ftp: retrieve"), c.resource)
	}
	defer resp.Close() //nolint:errcheck

	if _, err := io.Copy(w, resp); err != nil {
		return eris.Wrapf(err, "ftp: stream %s", c.resource)
	}
	return nil
}

// BytesRange uses RETR with a restart offset.
func (c *FTPClient) BytesRange(ctx context.Context, offset, length int64) ([]byte, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	resp, err := conn.RetrFrom(c.path, uint64(offset))
	if err != nil {
		return nil, mapFTPError(eris.Wrap(err, "ftp: retrieve from offset"), c.resource)
	}
	defer resp.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp, length))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: read range from %s", c.resource)
	}
	return data, nil
}

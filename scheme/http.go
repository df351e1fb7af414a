package scheme

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Status codes that indicate a transient server-side condition. A
// request failing with one of these is retried, and if retries are
// exhausted the failure is classified as recoverable so the
// orchestrator can fall back to a cached copy during version checks.
var recoverableStatusCodes = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// HTTPOptions configures the HTTP backend.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RateLimiters map[string]*rate.Limiter
}

// HTTPClient fetches http:// and https:// resources with retry,
// backoff, and per-host rate limiting.
type HTTPClient struct {
	resource string
	client   *http.Client
	opts     HTTPOptions
	limiters map[string]*rate.Limiter

	// Populated by the first successful HEAD.
	headDone bool
	etag     string
	size     int64
}

// NewHTTPClient creates an HTTP backend bound to the given resource.
func NewHTTPClient(resource string, opts HTTPOptions) (*HTTPClient, error) {
	if _, err := url.Parse(resource); err != nil {
		return nil, eris.Wrapf(err, "http: parse url %q", resource)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cachepath/1.0"
	}
	limiters := make(map[string]*rate.Limiter)
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		resource: resource,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: limiters,
		size:     SizeUnknown,
	}, nil
}

func (c *HTTPClient) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rate.NewLimiter(20, 20)
	}
	if lim, ok := c.limiters[u.Host]; ok {
		return lim
	}
	return rate.NewLimiter(20, 20)
}

func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var lastStatus int
	for attempt := range c.opts.MaxRetries {
		lim := c.limiterFor(req.URL.String())
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		cloned := req.Clone(ctx)
		resp, err := c.client.Do(cloned)
		if err != nil {
			lastErr = err
			lastStatus = 0
			zap.L().Warn("http request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, req.URL.String())
			lastStatus = resp.StatusCode
			zap.L().Warn("server error, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(ctx, attempt)
			continue
		}

		return resp, nil
	}

	if recoverableStatusCodes[lastStatus] {
		return nil, NewRecoverable(lastErr, lastStatus)
	}
	return nil, eris.Wrap(lastErr, "all retries exhausted")
}

func (c *HTTPClient) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	d = d + jitter

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// head performs the HEAD request once and caches the ETag and
// Content-Length for VersionToken and Size.
func (c *HTTPClient) head(ctx context.Context) error {
	if c.headDone {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.resource, nil)
	if err != nil {
		return eris.Wrap(err, "http: create head request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := c.validate(resp); err != nil {
		return err
	}

	c.etag = resp.Header.Get("ETag")
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			c.size = n
		}
	}
	c.headDone = true
	return nil
}

// VersionToken returns the resource's ETag, or "" if the server
// doesn't send one.
func (c *HTTPClient) VersionToken(ctx context.Context) (string, error) {
	if err := c.head(ctx); err != nil {
		return "", err
	}
	return c.etag, nil
}

// Size returns the Content-Length reported by the server, or
// SizeUnknown.
func (c *HTTPClient) Size(ctx context.Context) (int64, error) {
	if err := c.head(ctx); err != nil {
		return SizeUnknown, err
	}
	return c.size, nil
}

// Fetch streams the resource body into w.
func (c *HTTPClient) Fetch(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resource, nil)
	if err != nil {
		return eris.Wrap(err, "http: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return eris.Wrapf(err, "http: get %s", c.resource)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := c.validate(resp); err != nil {
		return err
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return eris.Wrapf(err, "http: stream %s", c.resource)
	}
	return nil
}

// BytesRange issues a ranged GET. Servers that ignore the Range
// header (responding 200 instead of 206) are reported as not
// supporting ranges so callers fall back to a whole-file fetch.
func (c *HTTPClient) BytesRange(ctx context.Context, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resource, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http: create range request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "http: range get %s", c.resource)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusOK {
		return nil, ErrRangeUnsupported
	}
	if err := c.validate(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		return nil, eris.Errorf("http: unexpected status %d for range request to %s", resp.StatusCode, c.resource)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, eris.Wrapf(err, "http: read range from %s", c.resource)
	}
	return data, nil
}

func (c *HTTPClient) validate(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return eris.Wrapf(ErrNotFound, "http: %s", c.resource)
	case recoverableStatusCodes[resp.StatusCode]:
		return NewRecoverable(eris.Errorf("http %d from %s", resp.StatusCode, c.resource), resp.StatusCode)
	case resp.StatusCode >= 400:
		return eris.Errorf("http: unexpected status %d from %s", resp.StatusCode, c.resource)
	}
	return nil
}

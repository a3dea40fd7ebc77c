// Package upstream fetches resources from the upstream content host.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agleyzer/hlsgate/internal/target"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

// ErrFetch covers every way an upstream fetch can fail before a response
// status is available: timeouts, connection errors and transport failures.
// Non-2xx responses are not errors.
var ErrFetch = errors.New("upstream fetch failed")

// Response is an upstream response whose body has not been read yet.
// The caller must close Body.
type Response struct {
	StatusCode  int
	ContentType string

	// ContentLength is -1 when the upstream did not announce a length
	ContentLength int64

	Body io.ReadCloser
}

// ReadBody reads the whole body, failing with ErrFetch if it is larger than
// limit bytes or the read is cut short. A limit of zero or less disables the bound.
func (r *Response) ReadBody(limit int64) (string, error) {
	if limit > 0 && r.ContentLength > limit {
		return "", fmt.Errorf("%w: announced body of %d bytes exceeds %d", ErrFetch, r.ContentLength, limit)
	}

	reader := io.Reader(r.Body)
	if limit > 0 {
		reader = io.LimitReader(r.Body, limit+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return "", fmt.Errorf("%w: body exceeds %d bytes", ErrFetch, limit)
	}

	return string(data), nil
}

// Client issues GET requests to the upstream. It holds no mutable state and
// is safe for concurrent use.
type Client struct {
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*http.Client)

// WithTransport replaces the default tuned transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) {
		c.Transport = rt
	}
}

// New creates a Client whose requests, body reads included, are bounded by timeout.
func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
	for _, opt := range opts {
		opt(httpClient)
	}

	return &Client{httpClient: httpClient}
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.httpClient.Timeout
}

// Fetch issues a single GET for t, forwarding the caller's User-Agent.
// An empty userAgent sends no User-Agent header at all. There is no retry.
func (c *Client) Fetch(ctx context.Context, t target.Target, userAgent string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrFetch, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	// maxIndexBytes is the upper bound on an index document (10 MB).
	maxIndexBytes = 10 << 20

	// maxPackageBytes is the upper bound on a package archive (200 MB).
	maxPackageBytes = 200 << 20
)

// ErrTooLarge is returned when a response exceeds the fetch limit.
var ErrTooLarge = errors.New("response too large")

// Fetcher retrieves bytes from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, limit int64) ([]byte, error)
}

// HTTPFetcher fetches over HTTP(S), optionally with a bearer token.
type HTTPFetcher struct {
	httpClient *http.Client
	token      string
	userAgent  string
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client, useful for tests or proxies.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.httpClient = c
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) FetcherOption {
	return func(f *HTTPFetcher) {
		f.token = token
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// NewHTTPFetcher creates a fetcher using http.DefaultClient.
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		httpClient: http.DefaultClient,
		userAgent:  "modhost/dev",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads url. Bodies longer than limit fail with ErrTooLarge.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", url, ErrTooLarge, limit)
	}
	return data, nil
}

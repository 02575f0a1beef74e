// Package client provides the authenticated HTTP fetch primitive used to
// pull derivative manifests and assets: bearer auth, byte ranges, gzip
// decoding and retry of transient failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/metrics"
	"github.com/fruitsalade/bubblemirror/pkg/retry"
)

// ErrNotFound is matched by a StatusError carrying a 404.
var ErrNotFound = errors.New("not found")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: server returned %d", e.URL, e.Code)
}

// Is reports whether the status maps onto a sentinel.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// TokenProvider returns a valid bearer token, refreshing it if expired.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Config holds client configuration.
type Config struct {
	Timeout     time.Duration
	RetryConfig retry.Config
	Tokens      TokenProvider // optional
	UserAgent   string
	Logger      *zap.Logger
}

// Client fetches remote resources.
type Client struct {
	httpClient  *http.Client
	retryConfig retry.Config
	tokens      TokenProvider
	userAgent   string
	logger      *zap.Logger
}

// Request describes one GET.
type Request struct {
	URL    string
	Query  url.Values
	Header http.Header

	// Offset and Length select a byte range. Zero values fetch the whole body.
	Offset int64
	Length int64
}

// Response is a fully read response.
type Response struct {
	Header http.Header
	Body   []byte
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "bubblemirror/1.0"
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		tokens:      cfg.Tokens,
		userAgent:   cfg.UserAgent,
		logger:      cfg.Logger,
	}
}

// applyAuth adds the bearer header when a token provider is configured.
func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	u := r.URL
	if len(r.Query) > 0 {
		sep := "?"
		if parsed, err := url.Parse(u); err == nil && parsed.RawQuery != "" {
			sep = "&"
		}
		u += sep + r.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if r.Offset > 0 || r.Length > 0 {
		end := ""
		if r.Length > 0 {
			end = strconv.FormatInt(r.Offset+r.Length-1, 10)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", r.Offset, end))
	}

	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", c.userAgent)
	if err := c.applyAuth(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Open performs the request and returns a streaming body. Transport errors
// and 5xx responses are retried; the caller must close the body.
func (c *Client) Open(ctx context.Context, r Request) (io.ReadCloser, http.Header, error) {
	type opened struct {
		body   io.ReadCloser
		header http.Header
	}

	res, err := retry.DoWithResult(ctx, c.retryConfig, func() (opened, error) {
		req, err := c.newRequest(ctx, r)
		if err != nil {
			return opened{}, err
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordFetch(0, time.Since(start), false)
			return opened{}, retry.Retryable(err)
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			metrics.RecordFetch(resp.StatusCode, time.Since(start), false)
			statusErr := &StatusError{Code: resp.StatusCode, URL: req.URL.Redacted()}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return opened{}, retry.Retryable(statusErr)
			}
			return opened{}, statusErr
		}
		metrics.RecordFetch(resp.StatusCode, time.Since(start), true)

		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				resp.Body.Close()
				return opened{}, fmt.Errorf("gzip body of %s: %w", req.URL.Redacted(), err)
			}
			return opened{body: &gzipReadCloser{gr: gr, body: resp.Body}, header: resp.Header}, nil
		}
		return opened{body: resp.Body, header: resp.Header}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res.body, res.header, nil
}

// Get performs the request and reads the whole body.
func (c *Client) Get(ctx context.Context, r Request) (*Response, error) {
	body, header, err := c.Open(ctx, r)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.URL, err)
	}
	metrics.RecordBytesFetched(int64(len(data)))

	c.logger.Debug("fetched",
		zap.String("url", r.URL),
		zap.Int("bytes", len(data)))

	return &Response{Header: header, Body: data}, nil
}

// GetBytes is a shorthand for Get returning only the body.
func (c *Client) GetBytes(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	resp, err := c.Get(ctx, Request{URL: rawURL, Query: query})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type gzipReadCloser struct {
	gr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gr.Read(p)
}

func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.body.Close()
}

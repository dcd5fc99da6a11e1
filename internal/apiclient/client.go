// Package apiclient issues authenticated GET requests against a provider API.
// It owns only the auth-refresh boundary: a 401 triggers one forced token
// refresh and one retry, and every other status is handed back untouched.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/logger"
)

// ErrInsecureBaseURL is returned by New for a base URL that is not https.
var ErrInsecureBaseURL = errors.New("api base URL must use https")

const userAgent = "site-sync/1.0"

// TokenProvider supplies access tokens. forceRefresh bypasses any cached token.
type TokenProvider interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client is an authenticated client for one provider API.
type Client struct {
	baseURL    *url.URL
	tokens     TokenProvider
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// New creates a client for baseURL, which must be an https URL.
func New(baseURL string, tokens TokenProvider, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInsecureBaseURL, baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		baseURL:    u,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get fetches resource relative to the base URL. resource may carry a query string.
func (c *Client) Get(ctx context.Context, resource string) (*Response, error) {
	target, err := c.resolve(resource)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, target, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	logger.InfoCtx(ctx, "Access token rejected, refreshing",
		zap.String("host", c.baseURL.Host),
		zap.String("resource", resource),
	)
	// A second 401 is returned as is.
	return c.do(ctx, target, true)
}

func (c *Client) resolve(resource string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(resource, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing resource %q: %w", resource, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("resource %q must be relative", resource)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) do(ctx context.Context, target string, forceRefresh bool) (*Response, error) {
	token, err := c.tokens.Token(ctx, forceRefresh)
	if err != nil {
		return nil, fmt.Errorf("getting access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	logger.DebugCtx(ctx, "Provider request",
		zap.String("url", target),
		logger.Secret("authorization", req.Header.Get("Authorization")),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

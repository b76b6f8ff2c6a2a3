// Package upstream speaks to the code-assist backend: unary and SSE calls,
// header handling, gzip decoding, and normalization of upstream failures
// into classified status errors.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"codeassist-gateway/internal/apierr"
)

// Paths under the upstream host.
const (
	pathStream      = "/v1internal:streamGenerateContent?alt=sse"
	pathUnary       = "/v1internal:generateContent"
	pathFetchModels = "/v1internal:fetchAvailableModels"
	pathLoadAssist  = "/v1internal:loadCodeAssist"
	pathOnboard     = "/v1internal:onboardUser"
)

// Fetcher issues HTTP requests. The default is a plain net/http client; a
// TLS-fingerprinting dialer can be swapped in behind the same interface.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the upstream client.
type Options struct {
	Endpoint  string
	UserAgent string
	ProxyURL  string
	Timeout   time.Duration
	Fetcher   Fetcher // overrides the built-in client when set
}

// Client is the code-assist transport.
type Client struct {
	endpoint  string
	userAgent string
	fetcher   Fetcher
}

// New builds a client. Without an explicit Fetcher a standard HTTP client is
// assembled with the configured proxy (or the environment's).
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("upstream endpoint is required")
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
		if opts.ProxyURL != "" {
			proxy, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxy)
		}
		fetcher = &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		}
	}
	return &Client{
		endpoint:  opts.Endpoint,
		userAgent: opts.UserAgent,
		fetcher:   fetcher,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, path, accessToken string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// decodeBody unwraps a gzip response body when the upstream compressed it.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return resp.Body, nil
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, err
	}
	return &gzipBody{gz: gz, raw: resp.Body}, nil
}

type gzipBody struct {
	gz  *gzip.Reader
	raw io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.gz.Read(p) }

func (b *gzipBody) Close() error {
	_ = b.gz.Close()
	return b.raw.Close()
}

// Unary posts a body and returns the parsed-ready response bytes. Non-2xx
// responses come back as classified status errors.
func (c *Client) Unary(ctx context.Context, accessToken string, body []byte) ([]byte, error) {
	return c.post(ctx, pathUnary, accessToken, body)
}

// Stream opens the SSE endpoint and returns the decoded body for line
// pumping. The caller owns the close.
func (c *Client) Stream(ctx context.Context, accessToken string, body []byte) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, pathStream, accessToken, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		decoded, derr := decodeBody(resp)
		if derr != nil {
			return nil, apierr.NewStatusError(resp.StatusCode, "")
		}
		msg, _ := io.ReadAll(io.LimitReader(decoded, 64<<10))
		return nil, apierr.NewStatusError(resp.StatusCode, string(msg))
	}
	decoded, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return decoded, nil
}

func (c *Client) post(ctx context.Context, path, accessToken string, body []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, path, accessToken, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	decoded, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(decoded, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierr.NewStatusError(resp.StatusCode, string(data))
	}
	return data, nil
}

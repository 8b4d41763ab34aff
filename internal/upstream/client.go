// Package upstream is the HTTP client for the generative-AI API behind the
// gateway. Bodies are passed through as raw JSON; the client only adds
// credentials, enforces timeouts and translates failures into domain errors.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL        = "https://api.x.ai/v1"
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// Observer receives per-call outcomes, typically a metrics collector.
type Observer interface {
	ObserveUpstream(path string, status int, duration time.Duration)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client. The connect timeout option is
// ignored when a client is supplied.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithConnectTimeout bounds TCP and TLS connection establishment.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

// WithRequestTimeout bounds a buffered call end to end.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithIdleTimeout bounds the wait for each chunk of a stream, including the
// first.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.idleTimeout = d
	}
}

// WithObserver reports every call to o.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// Client calls the upstream API.
type Client struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	connectTimeout time.Duration
	requestTimeout time.Duration
	idleTimeout    time.Duration
	observer       Observer
}

// NewClient creates a new upstream API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		connectTimeout: defaultConnectTimeout,
		requestTimeout: defaultRequestTimeout,
		idleTimeout:    defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: newTransport(c.connectTimeout)}
	}
	return c
}

func newTransport(connectTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Response is a buffered upstream reply with a 2xx status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends a buffered request. body may be nil. Non-2xx replies are returned
// as *domain.APIError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(path, 0, start)
		return nil, translateTransportError(parent, err, false)
	}
	defer resp.Body.Close()
	c.observe(path, resp.StatusCode, start)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, translateTransportError(parent, err, false)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, translateStatus(resp.StatusCode, resp.Header, respBody)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, body != nil)
	return req, nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", "grok-gateway/"+Version)
}

func (c *Client) observe(path string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveUpstream(path, status, time.Since(start))
	}
}

// Version is reported in the User-Agent and on /health.
const Version = "0.1.0"

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

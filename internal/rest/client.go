package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent when no other agent is configured. Several
// providers reject requests without a browser-like agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// maxBodyBytes bounds response bodies read into memory.
const maxBodyBytes = 32 << 20

// Authorizer decorates outgoing requests with credentials. Defined at the
// consumer; adapters supply cookie or bearer implementations.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req *http.Request) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// Cookie returns an Authorizer that sends a fixed cookie header. Cookies
// the request already carries are kept after it.
func Cookie(cookie string) Authorizer {
	return AuthorizerFunc(func(_ context.Context, req *http.Request) error {
		if extra := req.Header.Get("Cookie"); extra != "" {
			req.Header.Set("Cookie", cookie+"; "+extra)
			return nil
		}

		req.Header.Set("Cookie", cookie)

		return nil
	})
}

// Request describes one API call. Path is appended to the client's base
// URL unless it is already absolute. At most one of JSON and Form is set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	JSON   any
	Form   url.Values
	Header http.Header
}

// Client is an HTTP client for one provider API host.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       Authorizer
	limiter    *rate.Limiter
	headers    http.Header
	query      url.Values
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAuthorizer sets the credential decorator.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Client) { c.auth = a }
}

// WithLimiter paces outgoing requests. A nil limiter disables pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithQuery adds a query parameter sent on every request.
func WithQuery(key, value string) Option {
	return func(c *Client) { c.query.Set(key, value) }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		headers:    http.Header{"User-Agent": []string{DefaultUserAgent}},
		query:      url.Values{},
		logger:     logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewLimiter builds the per-adapter pacing limiter. rps <= 0 disables it.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(rps), burst)
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes the request once. Non-2xx responses become *StatusError with
// the body consumed; on success the caller closes the body.
func (c *Client) Do(ctx context.Context, r *Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rest: waiting for rate limiter: %w", err)
		}
	}

	req, err := c.build(ctx, r)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rest: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("rest: %s %s: %w", r.Method, r.Path, err)
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()

		if readErr != nil {
			body = []byte("(failed to read response body)")
		}

		c.logger.Debug("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.Path),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)),
		)

		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RequestID:  requestID(resp.Header),
			Body:       body,
			Err:        sentinel,
		}
	}

	c.logger.Debug("request succeeded",
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	return resp, nil
}

// Bytes executes the request and returns the response body.
func (c *Client) Bytes(ctx context.Context, r *Request) ([]byte, error) {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("rest: reading %s response: %w", r.Path, err)
	}

	return body, nil
}

// JSON executes the request and decodes a JSON response into out.
func (c *Client) JSON(ctx context.Context, r *Request, out any) error {
	body, err := c.Bytes(ctx, r)
	if err != nil {
		return err
	}

	return Decode(r.Path, body, out)
}

// Decode unmarshals body, reporting failures as ErrMalformed.
func Decode(path string, body []byte, out any) error {
	if out == nil {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrMalformed, path, err)
	}

	return nil
}

func (c *Client) build(ctx context.Context, r *Request) (*http.Request, error) {
	target := r.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("rest: parsing url %q: %w", target, err)
	}

	q := u.Query()
	for k, vs := range c.query {
		if !q.Has(k) {
			q[k] = vs
		}
	}

	for k, vs := range r.Query {
		q[k] = vs
	}

	u.RawQuery = q.Encode()

	var (
		body        io.Reader
		contentType string
	)

	switch {
	case r.JSON != nil:
		data, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, fmt.Errorf("rest: encoding request body: %w", err)
		}

		body = bytes.NewReader(data)
		contentType = "application/json;charset=UTF-8"
	case r.Form != nil:
		body = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("rest: creating request: %w", err)
	}

	for k, vs := range c.headers {
		req.Header[k] = vs
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for k, vs := range r.Header {
		req.Header[http.CanonicalHeaderKey(k)] = vs
	}

	if c.auth != nil {
		if err := c.auth.Authorize(ctx, req); err != nil {
			return nil, err
		}
	}

	return req, nil
}

func requestID(h http.Header) string {
	for _, k := range []string{"X-Request-Id", "Request-Id", "X-Ca-Request-Id"} {
		if v := h.Get(k); v != "" {
			return v
		}
	}

	return ""
}

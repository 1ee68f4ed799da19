package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultMaxElapsed      = 5 * time.Minute
)

// Method is the closed set of HTTP verbs the Web API client issues.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPatch  Method = http.MethodPatch
	MethodDelete Method = http.MethodDelete
)

// Valid reports whether m is one of the supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// Idempotent reports whether repeating the request has no additional effect.
// POST creates a record per call and is never retried.
func (m Method) Idempotent() bool {
	return m == MethodGet || m == MethodPatch || m == MethodDelete
}

func (m Method) String() string {
	return string(m)
}

// Request describes one outbound call. Build it with NewRequest; the
// header map is copied so later changes by the caller are not observed.
type Request struct {
	Method  Method
	URL     string
	Headers map[string]string
	Body    interface{}
}

// NewRequest returns a request descriptor owning its own copy of headers.
func NewRequest(method Method, url string, headers map[string]string, body interface{}) Request {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return Request{
		Method:  method,
		URL:     url,
		Headers: h,
		Body:    body,
	}
}

// Header returns the value of a header set on the descriptor.
func (r Request) Header(key string) string {
	return r.Headers[key]
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Options tunes the transport. The zero value means a single attempt with
// the default timeout.
type Options struct {
	Timeout time.Duration
	// MaxRetries applies to idempotent methods only; POST always gets a
	// single attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
	opts       Options
}

func NewClient() *Client {
	logger, _ := zap.NewProduction()
	return NewClientWithOptions(Options{}, logger)
}

// NewClientWithLogger creates a new HTTP client with a custom logger
func NewClientWithLogger(logger *zap.Logger) *Client {
	return NewClientWithOptions(Options{}, logger)
}

// NewClientWithOptions creates a new HTTP client with explicit transport options
func NewClientWithOptions(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval == 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.MaxElapsed == 0 {
		opts.MaxElapsed = DefaultMaxElapsed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
		opts:   opts,
	}
}

// HTTPClient exposes the underlying net/http client so collaborators such as
// the OAuth token exchange share the same timeout settings.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do executes the request. Non-2xx responses are returned as *StatusError.
// Retries happen only when Options.MaxRetries is positive and the method is
// idempotent.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.opts.InitialInterval
	expBackoff.MaxInterval = c.opts.MaxInterval
	expBackoff.Reset()

	maxTries := uint(1)
	if req.Method.Idempotent() {
		maxTries += uint(c.opts.MaxRetries)
	}

	attempt := 0
	operation := func() (*Response, error) {
		attempt++
		httpReq, err := c.buildRequest(ctx, req)
		if err != nil {
			c.logger.Error("Failed to build request", zap.Error(err), zap.Stringer("method", req.Method), zap.String("url", req.URL))
			return nil, backoff.Permanent(err)
		}

		c.logger.Debug("Making HTTP request",
			zap.Stringer("method", req.Method),
			zap.String("url", req.URL),
			zap.Int("attempt", attempt))

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("HTTP request failed",
				zap.Error(err),
				zap.Stringer("method", req.Method),
				zap.String("url", req.URL))
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			c.logger.Error("Failed to read response body", zap.Error(err))
			return nil, backoff.Permanent(fmt.Errorf("failed to read response body: %w", err))
		}

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			statusErr := &StatusError{
				Method:     req.Method,
				URL:        req.URL,
				StatusCode: httpResp.StatusCode,
				Body:       body,
			}
			if statusErr.Retryable() {
				c.logger.Warn("Server error",
					zap.Int("status_code", httpResp.StatusCode),
					zap.Stringer("method", req.Method),
					zap.String("url", req.URL))
				return nil, statusErr
			}
			c.logger.Error("Client error, not retryable",
				zap.Int("status_code", httpResp.StatusCode),
				zap.Stringer("method", req.Method),
				zap.String("url", req.URL),
				zap.String("response", string(body)))
			return nil, backoff.Permanent(statusErr)
		}

		return &Response{
			StatusCode: httpResp.StatusCode,
			Headers:    httpResp.Header,
			Body:       body,
		}, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(c.opts.MaxElapsed),
	)
	if err != nil {
		c.logger.Error("HTTP request failed",
			zap.Error(err),
			zap.Stringer("method", req.Method),
			zap.String("url", req.URL),
			zap.Int("attempts", attempt))
		return nil, err
	}

	c.logger.Debug("HTTP request completed",
		zap.Int("status_code", resp.StatusCode),
		zap.Stringer("method", req.Method),
		zap.String("url", req.URL))

	return resp, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		switch v := req.Body.(type) {
		case []byte:
			bodyReader = bytes.NewReader(v)
		case json.RawMessage:
			bodyReader = bytes.NewReader(v)
		default:
			bodyJSON, err := json.Marshal(req.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			bodyReader = bytes.NewReader(bodyJSON)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method.String(), req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// StatusError is returned for any response outside the 2xx range.
type StatusError struct {
	Method     Method
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, string(e.Body))
}

// Retryable reports whether a retry could plausibly succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// StatusCode extracts the HTTP status from err, or 0 when err carries none.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

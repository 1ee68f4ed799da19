// Package dynamics provides a client for the Microsoft Dynamics 365 Web API.
//
// The Web API is an OData v4 REST interface exposed by every Dataverse
// environment under {environment}/api/data/{version}/. Entity sets such as
// accounts or contacts are addressed by name, and a single record by the
// OData key syntax accounts(00000000-0000-0000-0000-000000000001).
//
// Client turns Get, Create, Update and Delete calls into authenticated
// requests. A token is either configured statically or obtained from an
// Authenticator on every call using the user's email and password. Response
// bodies are unwrapped from the OData envelope: the value member when
// present, the whole document otherwise.
package dynamics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	httpclient "github.com/natserract/d365/pkg/http"
	"go.uber.org/zap"
)

const (
	headerAuthorization   = "Authorization"
	headerClientRequestID = "x-ms-client-request-id"

	// DefaultConcurrency bounds fan-out helpers such as GetEach.
	DefaultConcurrency = 10
)

// Client is the Dynamics 365 Web API client.
type Client struct {
	config      *Config
	httpClient  *httpclient.Client
	auth        Authenticator
	logger      *zap.Logger
	headers     map[string]string
	concurrency int
}

type Option func(*Client)

// WithLogger sets the logger used by the client and the default transport.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAuthenticator replaces the OAuth password authenticator. It is ignored
// when the config disables token refresh.
func WithAuthenticator(auth Authenticator) Option {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(transport *httpclient.Client) Option {
	return func(c *Client) {
		c.httpClient = transport
	}
}

// WithDefaultHeaders adds headers sent with every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithConcurrency bounds the number of requests GetEach runs at once.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// NewClient validates cfg and builds a client.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: cfg,
		logger: zap.NewNop(),
		headers: map[string]string{
			"OData-MaxVersion": "4.0",
			"OData-Version":    "4.0",
		},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = httpclient.NewClientWithOptions(httpclient.Options{
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}, c.logger)
	}
	switch {
	case cfg.DisableTokenRefresh:
		c.auth = StaticAuthenticator{Token: cfg.AccessToken}
	case c.auth == nil:
		c.auth = NewPasswordAuthenticator(cfg, c.httpClient.HTTPClient(), c.logger)
	}
	if cfg.CacheToken && !cfg.DisableTokenRefresh {
		c.auth = NewCachingAuthenticator(c.auth, c.logger)
	}

	return c, nil
}

// NewClientWithLogger creates a new client with a custom logger
func NewClientWithLogger(cfg *Config, logger *zap.Logger) (*Client, error) {
	return NewClient(cfg, WithLogger(logger))
}

// Get reads a collection when id is empty, or one entity otherwise.
func (c *Client) Get(ctx context.Context, resource, id string, opts ...CallOption) (json.RawMessage, error) {
	return c.dispatch(ctx, httpclient.MethodGet, EntityRef{Resource: resource, ID: id}, nil, nil, opts)
}

// Create posts payload to the entity set.
func (c *Client) Create(ctx context.Context, resource string, payload interface{}, opts ...CallOption) (json.RawMessage, error) {
	return c.dispatch(ctx, httpclient.MethodPost, EntityRef{Resource: resource}, nil, payload, opts)
}

// Update patches the entity identified by id.
func (c *Client) Update(ctx context.Context, resource, id string, payload interface{}, opts ...CallOption) (json.RawMessage, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	return c.dispatch(ctx, httpclient.MethodPatch, EntityRef{Resource: resource, ID: id}, nil, payload, opts)
}

// Delete removes the entity identified by id.
func (c *Client) Delete(ctx context.Context, resource, id string, opts ...CallOption) (json.RawMessage, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	return c.dispatch(ctx, httpclient.MethodDelete, EntityRef{Resource: resource, ID: id}, nil, nil, opts)
}

// AuthURL returns the interactive consent URL of the configured authenticator.
func (c *Client) AuthURL(state string) (string, error) {
	u := c.auth.GenerateAuthURL(state)
	if u == "" {
		return "", ErrNoAuthURL
	}
	return u, nil
}

func (c *Client) dispatch(
	ctx context.Context,
	method httpclient.Method,
	ref EntityRef,
	query map[string]string,
	payload interface{},
	opts []CallOption,
) (json.RawMessage, error) {
	body, err := c.dispatchRaw(ctx, method, ref, query, payload, opts)
	if err != nil {
		return nil, err
	}
	return unwrapBody(body), nil
}

// dispatchRaw builds the Web API URL for ref and returns the response body
// without unwrapping it.
func (c *Client) dispatchRaw(
	ctx context.Context,
	method httpclient.Method,
	ref EntityRef,
	query map[string]string,
	payload interface{},
	opts []CallOption,
) ([]byte, error) {
	path, err := ref.Path()
	if err != nil {
		return nil, err
	}

	endpoint, err := httpclient.JoinURL(c.config.EnvironmentURL, "api/data", c.config.apiVersion(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}
	endpoint, err = httpclient.WithQuery(endpoint, query)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	return c.send(ctx, method, ref.Resource, path, endpoint, payload, opts)
}

// send authenticates and issues one request to an absolute endpoint.
func (c *Client) send(
	ctx context.Context,
	method httpclient.Method,
	resource, path, endpoint string,
	payload interface{},
	opts []CallOption,
) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		c.logger.Error("Failed to get access token", zap.Error(err))
		return nil, err
	}

	call := newCallOptions(opts)
	headers := make(map[string]string, len(c.headers)+len(call.headers)+2)
	for k, v := range c.headers {
		headers[k] = v
	}
	headers[headerClientRequestID] = uuid.NewString()
	for k, v := range call.headers {
		headers[k] = v
	}
	headers[headerAuthorization] = c.authorization(token)

	req := httpclient.NewRequest(method, endpoint, headers, payload)

	c.logger.Debug("Dispatching request",
		zap.Stringer("method", method),
		zap.String("resource", resource),
		zap.String("url", endpoint),
		zap.String("request_id", req.Header(headerClientRequestID)))

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return resp.Body, nil
}

// resolveToken asks the authenticator for a token on every call. With
// refresh disabled that is a StaticAuthenticator holding the configured
// access token.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	token, err := c.auth.AuthenticateEmailPassword(ctx, c.config.Email, c.config.Password)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate: %w", err)
	}
	return token, nil
}

// authorization renders the header value. The scheme is optional; a token
// that already carries it is sent unchanged.
func (c *Client) authorization(token string) string {
	scheme := c.config.AuthScheme
	if scheme == "" || strings.HasPrefix(strings.ToLower(token), strings.ToLower(scheme)+" ") {
		return token
	}
	return scheme + " " + token
}

// CallOption adjusts a single request.
type CallOption func(*callOptions)

type callOptions struct {
	headers map[string]string
}

func newCallOptions(opts []CallOption) callOptions {
	o := callOptions{headers: map[string]string{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHeader sets one extra header on the request, e.g. Prefer: return=representation.
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		o.headers[key] = value
	}
}

// WithHeaders sets extra headers on the request.
func WithHeaders(headers map[string]string) CallOption {
	return func(o *callOptions) {
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

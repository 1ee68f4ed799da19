package dynamics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultTenant is the multi-tenant authority segment for work and school accounts.
	DefaultTenant = "organizations"

	// DefaultTokenLifetime applies when the issuer reports no expiry.
	DefaultTokenLifetime = 20 * time.Minute

	tokenExpiryMargin = 30 * time.Second
)

// ErrNoAuthURL is returned when the authenticator has no interactive flow.
var ErrNoAuthURL = errors.New("authenticator does not support interactive consent")

// Authenticator obtains access tokens on behalf of a user.
type Authenticator interface {
	// AuthenticateEmailPassword exchanges user credentials for an access token.
	AuthenticateEmailPassword(ctx context.Context, email, password string) (string, error)

	// GenerateAuthURL returns the consent URL for the interactive flow.
	GenerateAuthURL(state string) string
}

// StaticAuthenticator always returns the same token.
type StaticAuthenticator struct {
	Token string
}

func (s StaticAuthenticator) AuthenticateEmailPassword(context.Context, string, string) (string, error) {
	return s.Token, nil
}

func (s StaticAuthenticator) GenerateAuthURL(string) string {
	return ""
}

// PasswordAuthenticator runs the OAuth2 resource owner password grant
// against Azure AD for the environment's user_impersonation scope.
type PasswordAuthenticator struct {
	oauth      *oauth2.Config
	tenantID   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPasswordAuthenticator builds an authenticator from cfg. httpClient may
// be nil, in which case http.DefaultClient is used for the token exchange.
// Without cfg.Authority the organizations endpoint is used whatever
// cfg.TenantID holds.
func NewPasswordAuthenticator(cfg *Config, httpClient *http.Client, logger *zap.Logger) *PasswordAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}

	var endpoint oauth2.Endpoint
	if cfg.Authority == "" {
		endpoint = microsoft.AzureADEndpoint(DefaultTenant)
	} else {
		authority := strings.TrimRight(cfg.Authority, "/")
		endpoint = oauth2.Endpoint{
			AuthURL:  authority + "/oauth2/v2.0/authorize",
			TokenURL: authority + "/oauth2/v2.0/token",
		}
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &PasswordAuthenticator{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{cfg.environmentRoot() + "user_impersonation"},
		},
		tenantID:   cfg.TenantID,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Scopes returns the scopes requested from the authority.
func (a *PasswordAuthenticator) Scopes() []string {
	return append([]string(nil), a.oauth.Scopes...)
}

// PasswordToken returns the full token, including its expiry.
func (a *PasswordAuthenticator) PasswordToken(ctx context.Context, email, password string) (*oauth2.Token, error) {
	if a.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}

	a.logger.Debug("Requesting token with password grant",
		zap.String("token_url", a.oauth.Endpoint.TokenURL),
		zap.String("tenant_id", a.tenantID),
		zap.String("email", email))

	token, err := a.oauth.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		a.logger.Error("Password grant failed", zap.Error(err))
		return nil, fmt.Errorf("password grant failed: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("password grant returned an empty access token")
	}

	a.logger.Debug("Obtained access token",
		zap.String("token_type", token.Type()),
		zap.Time("expires_at", token.Expiry))

	return token, nil
}

func (a *PasswordAuthenticator) AuthenticateEmailPassword(ctx context.Context, email, password string) (string, error) {
	token, err := a.PasswordToken(ctx, email, password)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (a *PasswordAuthenticator) GenerateAuthURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

type tokenIssuer interface {
	PasswordToken(ctx context.Context, email, password string) (*oauth2.Token, error)
}

// CachingAuthenticator reuses a token until shortly before it expires.
// Entries are keyed by email and a digest of the password, so a changed
// password triggers a new exchange.
type CachingAuthenticator struct {
	inner  Authenticator
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedToken
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

func NewCachingAuthenticator(inner Authenticator, logger *zap.Logger) *CachingAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingAuthenticator{
		inner:   inner,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cachedToken),
	}
}

func (c *CachingAuthenticator) AuthenticateEmailPassword(ctx context.Context, email, password string) (string, error) {
	key := cacheKey(email, password)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		c.logger.Debug("Using cached access token", zap.Duration("remaining", entry.expiresAt.Sub(c.now())))
		return entry.accessToken, nil
	}

	var (
		accessToken string
		expiry      time.Time
	)
	if issuer, ok := c.inner.(tokenIssuer); ok {
		token, err := issuer.PasswordToken(ctx, email, password)
		if err != nil {
			return "", err
		}
		accessToken, expiry = token.AccessToken, token.Expiry
	} else {
		token, err := c.inner.AuthenticateEmailPassword(ctx, email, password)
		if err != nil {
			return "", err
		}
		accessToken = token
	}
	if expiry.IsZero() {
		expiry = c.now().Add(DefaultTokenLifetime)
	}

	c.mu.Lock()
	c.entries[key] = cachedToken{
		accessToken: accessToken,
		expiresAt:   expiry.Add(-tokenExpiryMargin),
	}
	c.mu.Unlock()

	return accessToken, nil
}

func cacheKey(email, password string) string {
	sum := sha256.Sum256([]byte(password))
	return email + "\x00" + hex.EncodeToString(sum[:])
}

func (c *CachingAuthenticator) GenerateAuthURL(state string) string {
	return c.inner.GenerateAuthURL(state)
}

package dynamics

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIVersion = "v9.0"
	DefaultAuthScheme = "Bearer"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid dynamics config")

type Config struct {
	// EnvironmentURL is the organization root, e.g. https://contoso.crm.dynamics.com/
	EnvironmentURL string

	// AccessToken is used verbatim when DisableTokenRefresh is set.
	AccessToken string

	ClientID     string
	ClientSecret string
	// TenantID completes the credential set and is required when refresh is
	// enabled. It does not select the authority: tokens come from the
	// organizations endpoint unless Authority is set, e.g. to
	// https://login.microsoftonline.com/<tenant>.
	TenantID string
	Email    string
	Password string

	DisableTokenRefresh bool

	// APIVersion defaults to v9.0.
	APIVersion string

	// AuthScheme prefixes the token in the Authorization header. Empty sends
	// the raw token.
	AuthScheme string

	// Authority overrides the Azure AD authority, e.g.
	// https://login.microsoftonline.com/organizations
	Authority   string
	RedirectURL string

	// CacheToken keeps an acquired token until shortly before it expires
	// instead of authenticating on every call.
	CacheToken bool

	Timeout    time.Duration
	MaxRetries int
}

// LoadConfig reads D365_* variables, loading a .env file first when present.
func LoadConfig() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		EnvironmentURL:      os.Getenv("D365_ENVIRONMENT_URL"),
		AccessToken:         os.Getenv("D365_ACCESS_TOKEN"),
		ClientID:            os.Getenv("D365_CLIENT_ID"),
		ClientSecret:        os.Getenv("D365_CLIENT_SECRET"),
		TenantID:            os.Getenv("D365_TENANT_ID"),
		Email:               os.Getenv("D365_EMAIL"),
		Password:            os.Getenv("D365_PASSWORD"),
		APIVersion:          getEnv("D365_API_VERSION", DefaultAPIVersion),
		AuthScheme:          getEnv("D365_AUTH_SCHEME", DefaultAuthScheme),
		Authority:           os.Getenv("D365_AUTHORITY"),
		RedirectURL:         os.Getenv("D365_REDIRECT_URL"),
		DisableTokenRefresh: getEnvBool("D365_DISABLE_TOKEN_REFRESH"),
		CacheToken:          getEnvBool("D365_CACHE_TOKEN"),
	}

	if v := os.Getenv("D365_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: D365_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("D365_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: D365_MAX_RETRIES: %v", ErrInvalidConfig, err)
		}
		cfg.MaxRetries = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that either a static token or a full credential set is present.
func (c *Config) Validate() error {
	if c.EnvironmentURL == "" {
		return fmt.Errorf("%w: environment URL is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.EnvironmentURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: environment URL %q must be an absolute http(s) URL", ErrInvalidConfig, c.EnvironmentURL)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}

	if c.DisableTokenRefresh {
		if c.AccessToken == "" {
			return fmt.Errorf("%w: access token is required when token refresh is disabled", ErrInvalidConfig)
		}
		return nil
	}

	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if c.TenantID == "" {
		missing = append(missing, "tenant id")
	}
	if c.Email == "" {
		missing = append(missing, "email")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: token refresh requires %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return fmt.Errorf("%w: email %q: %v", ErrInvalidConfig, c.Email, err)
	}

	return nil
}

func (c *Config) apiVersion() string {
	if c.APIVersion == "" {
		return DefaultAPIVersion
	}
	return c.APIVersion
}

// environmentRoot returns EnvironmentURL with exactly one trailing slash.
func (c *Config) environmentRoot() string {
	return strings.TrimRight(c.EnvironmentURL, "/") + "/"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

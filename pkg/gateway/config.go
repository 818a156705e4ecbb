// Package gateway wires the OAuth authorization core, token lifecycle
// managers, and HTTP surface into a single configurable process.
package gateway

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth variants an upstream server can declare.
const (
	AuthNone         = "none"
	AuthBearer       = "bearer"
	AuthOAuth2Client = "oauth2_client"
	AuthOAuth2Code   = "oauth2_code"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	OAuth     OAuthConfig               `yaml:"oauth"`
	Database  DatabaseConfig            `yaml:"database"`
	Upstreams map[string]UpstreamConfig `yaml:"upstreams"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name    string    `yaml:"name"`
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// OAuthConfig configures the embedded authorization server.
type OAuthConfig struct {
	Issuer string `yaml:"issuer"`

	// Token lifetimes in seconds.
	AccessTokenTTL  int `yaml:"access_token_ttl"`
	AuthCodeTTL     int `yaml:"auth_code_ttl"`
	RefreshTokenTTL int `yaml:"refresh_token_ttl"`
	ConsentTTL      int `yaml:"consent_ttl"`

	SupportedScopes      []string `yaml:"supported_scopes"`
	RequirePKCE          bool     `yaml:"require_pkce"`
	IssueRefreshTokens   *bool    `yaml:"issue_refresh_tokens"`
	RequireTokenRotation bool     `yaml:"require_token_rotation"`

	Registration RegistrationConfig   `yaml:"registration"`
	Clients      []StaticClientConfig `yaml:"clients"`
}

// RegistrationConfig configures dynamic client registration.
type RegistrationConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	AllowedRedirectPatterns []string `yaml:"allowed_redirect_patterns"`
	SecretExpiryDays        int      `yaml:"secret_expiry_days"`
}

// StaticClientConfig defines a pre-registered OAuth client.
type StaticClientConfig struct {
	ID           string   `yaml:"id"`
	Secret       string   `yaml:"secret"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
	Scope        string   `yaml:"scope"`
	Public       bool     `yaml:"public"`
}

// DatabaseConfig configures token and client storage. An empty DSN selects
// the in-memory backend.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// UpstreamConfig describes one upstream server the gateway holds
// credentials for.
type UpstreamConfig struct {
	URL  string             `yaml:"url"`
	Auth UpstreamAuthConfig `yaml:"auth"`

	// RenewalBuffer is how many seconds before expiry a token is
	// proactively refreshed.
	RenewalBuffer int `yaml:"renewal_buffer"`
}

// UpstreamAuthConfig is a tagged union over the supported auth variants.
// Type selects the variant; only that variant's fields are read.
type UpstreamAuthConfig struct {
	Type string `yaml:"type"`

	// bearer
	Token string `yaml:"token"`

	// oauth2_client and oauth2_code
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`

	// oauth2_code only. Code is the authorization code obtained
	// out-of-band, redeemed once on first acquisition; afterwards the
	// acquirer lives on the refresh token the exchange returned.
	AuthURL      string `yaml:"auth_url"`
	RedirectURL  string `yaml:"redirect_url"`
	Code         string `yaml:"code"`
	CodeVerifier string `yaml:"code_verifier"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "toolgate"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.OAuth.AccessTokenTTL == 0 {
		cfg.OAuth.AccessTokenTTL = 3600
	}
	if cfg.OAuth.AuthCodeTTL == 0 {
		cfg.OAuth.AuthCodeTTL = 600
	}
	if cfg.OAuth.RefreshTokenTTL == 0 {
		cfg.OAuth.RefreshTokenTTL = 2592000
	}
	if cfg.OAuth.IssueRefreshTokens == nil {
		t := true
		cfg.OAuth.IssueRefreshTokens = &t
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	for name, up := range cfg.Upstreams {
		if up.Auth.Type == "" {
			up.Auth.Type = AuthNone
		}
		if up.RenewalBuffer == 0 {
			up.RenewalBuffer = 300
		}
		cfg.Upstreams[name] = up
	}
}

// AccessTokenDuration returns the access token TTL as a duration.
func (c *OAuthConfig) AccessTokenDuration() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// AuthCodeDuration returns the authorization code TTL as a duration.
func (c *OAuthConfig) AuthCodeDuration() time.Duration {
	return time.Duration(c.AuthCodeTTL) * time.Second
}

// RefreshTokenDuration returns the refresh token TTL as a duration.
func (c *OAuthConfig) RefreshTokenDuration() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// ConsentDuration returns the consent TTL as a duration.
func (c *OAuthConfig) ConsentDuration() time.Duration {
	return time.Duration(c.ConsentTTL) * time.Second
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.OAuth.Issuer == "" {
		errs = append(errs, "oauth.issuer is required")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}

	for _, client := range c.OAuth.Clients {
		if client.ID == "" {
			errs = append(errs, "oauth.clients entries require an id")
			continue
		}
		if !client.Public && client.Secret == "" {
			errs = append(errs, fmt.Sprintf("oauth.clients[%s].secret is required for confidential clients", client.ID))
		}
	}

	for name, up := range c.Upstreams {
		switch up.Auth.Type {
		case AuthNone:
		case AuthBearer:
			if up.Auth.Token == "" {
				errs = append(errs, fmt.Sprintf("upstreams[%s].auth.token is required for bearer auth", name))
			}
		case AuthOAuth2Client:
			if up.Auth.ClientID == "" {
				errs = append(errs, fmt.Sprintf("upstreams[%s].auth.client_id is required for oauth2_client auth", name))
			}
			if up.Auth.TokenURL == "" {
				errs = append(errs, fmt.Sprintf("upstreams[%s].auth.token_url is required for oauth2_client auth", name))
			}
		case AuthOAuth2Code:
			if up.Auth.ClientID == "" {
				errs = append(errs, fmt.Sprintf("upstreams[%s].auth.client_id is required for oauth2_code auth", name))
			}
			if up.Auth.TokenURL == "" {
				errs = append(errs, fmt.Sprintf("upstreams[%s].auth.token_url is required for oauth2_code auth", name))
			}
			if up.Auth.AuthURL == "" {
				errs = append(errs, fmt.Sprintf("upstreams[%s].auth.auth_url is required for oauth2_code auth", name))
			}
			if up.Auth.Code == "" {
				errs = append(errs, fmt.Sprintf("upstreams[%s].auth.code is required for oauth2_code auth", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("upstreams[%s].auth.type %q is not one of none, bearer, oauth2_client, oauth2_code", name, up.Auth.Type))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

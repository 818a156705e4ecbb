// Package oauth provides the OAuth 2.1 authorization server core embedded
// in the gateway. It issues and validates credentials for clients calling
// the gateway, on top of pluggable Storage and ConsentStore contracts.
package oauth

import (
	"context"
	"slices"
	"time"
)

// Storage defines the interface for OAuth data persistence.
//
// Implementations must be safe for concurrent use. ConsumeAuthorizationCode
// and RotateRefreshToken are the two atomic primitives the server relies on
// for its security invariants; everything else is plain CRUD.
type Storage interface {
	// Client management
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	UpdateClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]*Client, error)

	// Authorization code management. ConsumeAuthorizationCode atomically
	// looks up and removes a code: of two concurrent consumers exactly one
	// receives the code, the other ErrCodeNotFound.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	CleanupExpiredCodes(ctx context.Context) error

	// Access token management
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	DeleteAccessToken(ctx context.Context, token string) error

	// Refresh token management. RotateRefreshToken atomically invalidates
	// the old token and installs the replacement: at no instant observed
	// by the store are both live.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	RotateRefreshToken(ctx context.Context, oldToken string, newToken *RefreshToken) error
	DeleteRefreshTokensForClient(ctx context.Context, clientID string) error
	CleanupExpiredTokens(ctx context.Context) error
}

// Client represents a registered OAuth 2.1 client.
type Client struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	ClientSecret    string    `json:"client_secret"` // bcrypt hashed; empty for public clients
	Name            string    `json:"name"`
	RedirectURIs    []string  `json:"redirect_uris"`
	GrantTypes      []string  `json:"grant_types"`
	ResponseTypes   []string  `json:"response_types"`
	Scope           string    `json:"scope"` // allowed scope, space-separated; empty means unrestricted
	Public          bool      `json:"public"`
	RequirePKCE     bool      `json:"require_pkce"`
	IssuedAt        time.Time `json:"issued_at"`
	SecretExpiresAt time.Time `json:"secret_expires_at"` // zero means never
	Active          bool      `json:"active"`
}

// AuthorizationCode represents a single-use OAuth authorization code.
type AuthorizationCode struct {
	ID                  string    `json:"id"`
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	State               string    `json:"state"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// AccessToken represents an issued bearer access token.
type AccessToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken represents an issued refresh token.
type RefreshToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"` // zero means never
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired checks if the authorization code has expired.
func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// IsExpired checks if the access token has expired.
func (t *AccessToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsExpired checks if the refresh token has expired. Tokens with a zero
// expiry never expire.
func (t *RefreshToken) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// ValidRedirectURI checks if a redirect URI is registered for this client.
// Matching is exact string membership: no prefix, wildcard, or loopback
// port laxity. An attacker-controlled URI that differs in any byte fails.
func (c *Client) ValidRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SupportsGrantType checks if the client supports a grant type. Clients
// registered without explicit grant types support the defaults.
func (c *Client) SupportsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowedScopes returns the client's allowed scopes, or nil if the client
// is unrestricted.
func (c *Client) AllowedScopes() []string {
	return ParseScopes(c.Scope)
}

// SecretExpired reports whether the client secret has expired.
func (c *Client) SecretExpired() bool {
	return !c.SecretExpiresAt.IsZero() && time.Now().After(c.SecretExpiresAt)
}

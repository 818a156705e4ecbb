package tokenmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Acquirer performs whatever exchange is needed to produce fresh token
// data for an upstream server. The Manager decides when to call it.
type Acquirer interface {
	Acquire(ctx context.Context) (*TokenData, error)
}

// StaticAcquirer returns a pre-provisioned bearer credential that never
// expires. Used for upstreams configured with a fixed token.
type StaticAcquirer struct {
	Token     string
	TokenType string
}

// Acquire returns the static credential.
func (a *StaticAcquirer) Acquire(_ context.Context) (*TokenData, error) {
	if a.Token == "" {
		return nil, fmt.Errorf("static acquirer has no token configured")
	}
	tokenType := a.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &TokenData{AccessToken: a.Token, TokenType: tokenType}, nil
}

// ClientCredentialsAcquirer obtains tokens through the OAuth2
// client_credentials grant.
type ClientCredentialsAcquirer struct {
	config *clientcredentials.Config
}

// NewClientCredentialsAcquirer creates a client_credentials acquirer.
func NewClientCredentialsAcquirer(tokenURL, clientID, clientSecret string, scopes []string) *ClientCredentialsAcquirer {
	return &ClientCredentialsAcquirer{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
	}
}

// Acquire exchanges client credentials for a fresh token.
func (a *ClientCredentialsAcquirer) Acquire(ctx context.Context) (*TokenData, error) {
	token, err := a.config.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials exchange: %w", err)
	}
	return fromOAuth2Token(token), nil
}

// AuthorizationCodeAcquirer redeems a one-shot authorization code on
// its first acquisition, then refreshes through the refresh token the
// exchange produced.
type AuthorizationCodeAcquirer struct {
	config *oauth2.Config

	mu           sync.Mutex
	code         string
	codeVerifier string
	refreshToken string
}

// AuthorizationCodeConfig configures an AuthorizationCodeAcquirer.
type AuthorizationCodeConfig struct {
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Code is the authorization code to redeem on first acquisition.
	Code string

	// CodeVerifier is the PKCE verifier bound to Code, if any.
	CodeVerifier string
}

// NewAuthorizationCodeAcquirer creates an authorization_code acquirer.
func NewAuthorizationCodeAcquirer(cfg AuthorizationCodeConfig) *AuthorizationCodeAcquirer {
	return &AuthorizationCodeAcquirer{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		code:         cfg.Code,
		codeVerifier: cfg.CodeVerifier,
	}
}

// Acquire redeems the pending code, or refreshes with the stored
// refresh token once the code is spent.
func (a *AuthorizationCodeAcquirer) Acquire(ctx context.Context) (*TokenData, error) {
	a.mu.Lock()
	code, verifier, refreshToken := a.code, a.codeVerifier, a.refreshToken
	a.mu.Unlock()

	var token *oauth2.Token
	var err error

	switch {
	case refreshToken != "":
		token, err = a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return nil, fmt.Errorf("refreshing upstream token: %w", err)
		}
	case code != "":
		var opts []oauth2.AuthCodeOption
		if verifier != "" {
			opts = append(opts, oauth2.VerifierOption(verifier))
		}
		token, err = a.config.Exchange(ctx, code, opts...)
		if err != nil {
			return nil, fmt.Errorf("redeeming authorization code: %w", err)
		}
	default:
		return nil, fmt.Errorf("no authorization code or refresh token available")
	}

	a.mu.Lock()
	a.code = ""
	a.codeVerifier = ""
	if token.RefreshToken != "" {
		a.refreshToken = token.RefreshToken
	}
	a.mu.Unlock()

	data := fromOAuth2Token(token)
	data.Claims = extractIdentityClaims(token)
	return data, nil
}

// fromOAuth2Token converts an oauth2 token into TokenData.
func fromOAuth2Token(token *oauth2.Token) *TokenData {
	data := &TokenData{
		AccessToken:  token.AccessToken,
		TokenType:    token.Type(),
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		data.Scope = scope
	}
	return data
}

// extractIdentityClaims pulls unverified claims from an id_token, when
// present. The claims are identity hints for logging only; nothing is
// authorized based on them, so signature verification is skipped.
func extractIdentityClaims(token *oauth2.Token) map[string]any {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return claims
}

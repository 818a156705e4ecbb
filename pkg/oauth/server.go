package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Supported grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// ServerConfig configures the OAuth server.
type ServerConfig struct {
	// Issuer is the OAuth issuer URL.
	Issuer string

	// BaseURL is the externally reachable base URL for the server's
	// endpoints. Defaults to Issuer.
	BaseURL string

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// AuthCodeTTL is the authorization code lifetime.
	AuthCodeTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Zero after defaulting
	// is not possible; use IssueRefreshTokens to disable refresh tokens.
	RefreshTokenTTL time.Duration

	// SupportedScopes is the set of scopes this server recognizes. Empty
	// means any scope is accepted.
	SupportedScopes []string

	// RequirePKCE requires PKCE on every authorization request.
	RequirePKCE bool

	// IssueRefreshTokens enables refresh token issuance on the
	// authorization code grant.
	IssueRefreshTokens bool

	// RequireTokenRotation rotates refresh tokens on every refresh grant,
	// atomically invalidating the presented token.
	RequireTokenRotation bool

	// ConsentTTL bounds how long a recorded consent remains valid when the
	// user does not ask to be remembered. Zero means consents never expire.
	ConsentTTL time.Duration

	// Registration configures dynamic client registration.
	Registration RegistrationConfig

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the OAuth 2.1 authorization server core. It owns issuance and
// validation; Storage and ConsentStore own persistence.
type Server struct {
	config       ServerConfig
	storage      Storage
	consent      ConsentStore
	registration *RegistrationService
	logger       *slog.Logger
}

// NewServer creates a new OAuth server.
func NewServer(config ServerConfig, storage Storage, consent ConsentStore) (*Server, error) {
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 1 * time.Hour
	}
	if config.AuthCodeTTL == 0 {
		config.AuthCodeTTL = 10 * time.Minute
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if config.BaseURL == "" {
		config.BaseURL = config.Issuer
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	registration, err := NewRegistrationService(storage, config.Registration)
	if err != nil {
		return nil, fmt.Errorf("creating registration service: %w", err)
	}

	return &Server{
		config:       config,
		storage:      storage,
		consent:      consent,
		registration: registration,
		logger:       config.Logger,
	}, nil
}

// Storage exposes the backing store for callers that manage clients
// outside the registration endpoint.
func (s *Server) Storage() Storage {
	return s.storage
}

// AuthorizationRequest represents an authorization request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationResult is a successful authorization: the minted code and
// the redirect URL carrying it back to the client.
type AuthorizationResult struct {
	Code        string
	RedirectURL string
}

// TokenRequest represents a token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse represents a token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// validateAuthorizationRequest validates the request and returns the client.
func (s *Server) validateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*Client, error) {
	client, err := s.storage.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, NewError(ErrorInvalidRequest, "unknown client_id")
		}
		return nil, fmt.Errorf("loading client: %w", err)
	}
	if !client.Active {
		return nil, NewError(ErrorUnauthorizedClient, "client is not active")
	}
	if req.RedirectURI == "" || !client.ValidRedirectURI(req.RedirectURI) {
		return nil, NewError(ErrorInvalidRequest, "redirect_uri is not registered for this client")
	}
	if req.ResponseType != "code" {
		return nil, NewError(ErrorInvalidRequest, "unsupported response_type")
	}
	return client, nil
}

// validateRequestedScopes checks requested scopes against the server's
// supported set and the client's allowed scope.
func (s *Server) validateRequestedScopes(client *Client, requested []string) error {
	if len(s.config.SupportedScopes) > 0 && !ValidateScopes(requested, s.config.SupportedScopes) {
		return NewError(ErrorInvalidScope, "requested scope is not supported")
	}
	if client.Scope != "" && !ValidateScopes(requested, client.AllowedScopes()) {
		return NewError(ErrorInvalidScope, "requested scope exceeds client's allowed scope")
	}
	return nil
}

// validatePKCEParams validates PKCE parameters on the authorization request.
func (s *Server) validatePKCEParams(client *Client, req AuthorizationRequest) error {
	required := s.config.RequirePKCE || client.RequirePKCE
	if req.CodeChallenge == "" {
		if required {
			return NewError(ErrorInvalidRequest, "code_challenge is required")
		}
		return nil
	}
	if !ValidPKCEMethod(req.CodeChallengeMethod) {
		return NewError(ErrorInvalidRequest, "invalid code_challenge_method")
	}
	return nil
}

// Authorize handles an authorization request for an authenticated user.
// If the user has not consented to the full requested scope set, it
// returns a consent_required error carrying the consent URI. Otherwise it
// mints a single-use authorization code bound to the exact redirect URI,
// scopes, and PKCE challenge, and returns the redirect URL.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, userID string) (*AuthorizationResult, error) {
	client, err := s.validateAuthorizationRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	requested := ParseScopes(req.Scope)
	if err := s.validateRequestedScopes(client, requested); err != nil {
		return nil, err
	}
	if err := s.validatePKCEParams(client, req); err != nil {
		return nil, err
	}

	consented, err := s.consent.HasConsent(ctx, userID, req.ClientID, requested)
	if err != nil {
		return nil, fmt.Errorf("checking consent: %w", err)
	}
	if !consented {
		return nil, &Error{
			Code:        ErrorConsentRequired,
			Description: "user has not approved the requested scopes",
			ConsentURI:  s.consentURI(req),
		}
	}

	codeValue, err := GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating authorization code: %w", err)
	}

	now := time.Now()
	code := &AuthorizationCode{
		ID:                  generateID(),
		Code:                codeValue,
		ClientID:            req.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		ExpiresAt:           now.Add(s.config.AuthCodeTTL),
		CreatedAt:           now,
	}

	if err := s.storage.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("saving authorization code: %w", err)
	}

	s.logger.Debug("authorization code issued",
		"client_id", req.ClientID,
		"user_id", userID,
		"scope", req.Scope)

	return &AuthorizationResult{
		Code:        codeValue,
		RedirectURL: buildRedirectURL(req.RedirectURI, codeValue, req.State),
	}, nil
}

// consentURI builds the URI the client should send the user to for
// approving the requested scopes.
func (s *Server) consentURI(req AuthorizationRequest) string {
	query := url.Values{
		"client_id":    {req.ClientID},
		"redirect_uri": {req.RedirectURI},
		"scope":        {req.Scope},
	}
	if req.State != "" {
		query.Set("state", req.State)
	}
	return s.config.BaseURL + "/oauth/consent?" + query.Encode()
}

// buildRedirectURL appends code and state to the redirect URI.
func buildRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// The URI was validated against the registered set already.
		return redirectURI
	}
	query := u.Query()
	query.Set("code", code)
	if state != "" {
		query.Set("state", state)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Token handles the token endpoint, dispatching by grant type.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.handleAuthorizationCodeGrant(ctx, req)
	case GrantTypeClientCredentials:
		return s.handleClientCredentialsGrant(ctx, req)
	case GrantTypeRefreshToken:
		return s.handleRefreshTokenGrant(ctx, req)
	default:
		return nil, NewError(ErrorUnsupportedGrantType, fmt.Sprintf("unsupported grant_type: %s", req.GrantType))
	}
}

// authenticateClient verifies the client's identity. Public clients carry
// no secret; confidential clients authenticate with a bcrypt comparison,
// which is inherently resistant to timing attacks.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := s.storage.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, NewError(ErrorInvalidClient, "unknown client")
		}
		return nil, fmt.Errorf("loading client: %w", err)
	}
	if !client.Active {
		return nil, NewError(ErrorInvalidClient, "client is not active")
	}
	if client.Public {
		return client, nil
	}
	if client.SecretExpired() {
		return nil, NewError(ErrorInvalidClient, "client secret has expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecret), []byte(clientSecret)); err != nil {
		return nil, NewError(ErrorInvalidClient, "invalid client credentials")
	}
	return client, nil
}

// verifyCodeChallenge verifies the PKCE binding of a consumed code.
func verifyCodeChallenge(code *AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return NewError(ErrorInvalidGrant, "code_verifier is required")
	}
	ok, err := VerifyCodeChallenge(verifier, code.CodeChallenge, PKCEMethod(code.CodeChallengeMethod))
	if err != nil || !ok {
		return NewError(ErrorInvalidGrant, "invalid code_verifier")
	}
	return nil
}

// handleAuthorizationCodeGrant exchanges a single-use authorization code.
// The code is consumed atomically up front: the second of two concurrent
// exchanges receives invalid_grant, and a failed exchange burns the code.
func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	code, err := s.storage.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return nil, NewError(ErrorInvalidGrant, "invalid authorization code")
		}
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if code.IsExpired() {
		return nil, NewError(ErrorInvalidGrant, "authorization code expired")
	}
	if code.ClientID != req.ClientID {
		return nil, NewError(ErrorInvalidGrant, "client_id mismatch")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, NewError(ErrorInvalidGrant, "redirect_uri mismatch")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if client.Public && code.CodeChallenge == "" {
		return nil, NewError(ErrorInvalidGrant, "PKCE is required for public clients")
	}
	if err := verifyCodeChallenge(code, req.CodeVerifier); err != nil {
		return nil, err
	}

	issueRefresh := s.config.IssueRefreshTokens && client.SupportsGrantType(GrantTypeRefreshToken)
	return s.mintTokens(ctx, client, code.UserID, code.Scope, issueRefresh)
}

// handleClientCredentialsGrant authenticates the client and issues an
// access token with no user identity and no refresh token.
func (s *Server) handleClientCredentialsGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if client.Public {
		return nil, NewError(ErrorUnauthorizedClient, "public clients cannot use client_credentials")
	}
	if !client.SupportsGrantType(GrantTypeClientCredentials) {
		return nil, NewError(ErrorUnauthorizedClient, "client is not authorized for client_credentials")
	}

	requested := ParseScopes(req.Scope)
	if err := s.validateRequestedScopes(client, requested); err != nil {
		return nil, err
	}

	return s.mintTokens(ctx, client, "", req.Scope, false)
}

// handleRefreshTokenGrant exchanges a refresh token for a new access
// token, rotating the refresh token when configured.
func (s *Server) handleRefreshTokenGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	token, err := s.storage.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, NewError(ErrorInvalidGrant, "invalid refresh token")
		}
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	if token.IsExpired() {
		if err := s.storage.DeleteRefreshToken(ctx, token.Token); err != nil {
			s.logger.Warn("failed to delete expired refresh token", "error", err)
		}
		return nil, NewError(ErrorInvalidGrant, "refresh token expired")
	}
	if token.ClientID != req.ClientID {
		return nil, NewError(ErrorInvalidGrant, "client_id mismatch")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	// Narrowing is allowed; widening past the original grant is not.
	scope := req.Scope
	if scope == "" {
		scope = token.Scope
	} else if !ValidateScopes(ParseScopes(scope), ParseScopes(token.Scope)) {
		return nil, NewError(ErrorInvalidScope, "requested scope exceeds originally granted scope")
	}

	resp, accessToken, err := s.mintAccessToken(ctx, client, token.UserID, scope)
	if err != nil {
		return nil, err
	}

	if s.config.RequireTokenRotation {
		replacement, err := s.newRefreshToken(client, token.UserID, scope)
		if err != nil {
			return nil, err
		}
		if err := s.storage.RotateRefreshToken(ctx, token.Token, replacement); err != nil {
			// Lost a rotation race: the presented token is already dead.
			if rollbackErr := s.storage.DeleteAccessToken(ctx, accessToken.Token); rollbackErr != nil {
				s.logger.Warn("failed to roll back access token after rotation race", "error", rollbackErr)
			}
			if errors.Is(err, ErrRefreshTokenNotFound) {
				return nil, NewError(ErrorInvalidGrant, "refresh token has been rotated")
			}
			return nil, fmt.Errorf("rotating refresh token: %w", err)
		}
		resp.RefreshToken = replacement.Token
		s.logger.Debug("refresh token rotated", "client_id", client.ClientID, "user_id", token.UserID)
	} else {
		resp.RefreshToken = token.Token
	}

	return resp, nil
}

// mintAccessToken issues and persists an access token.
func (s *Server) mintAccessToken(ctx context.Context, client *Client, userID, scope string) (*TokenResponse, *AccessToken, error) {
	value, err := GenerateSecureToken(32)
	if err != nil {
		return nil, nil, fmt.Errorf("generating access token: %w", err)
	}

	now := time.Now()
	accessToken := &AccessToken{
		ID:        generateID(),
		Token:     value,
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     scope,
		TokenType: "Bearer",
		ExpiresAt: now.Add(s.config.AccessTokenTTL),
		CreatedAt: now,
	}
	if err := s.storage.SaveAccessToken(ctx, accessToken); err != nil {
		return nil, nil, fmt.Errorf("saving access token: %w", err)
	}

	return &TokenResponse{
		AccessToken: value,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.config.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}, accessToken, nil
}

// newRefreshToken builds (but does not persist) a refresh token.
func (s *Server) newRefreshToken(client *Client, userID, scope string) (*RefreshToken, error) {
	value, err := GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}
	now := time.Now()
	return &RefreshToken{
		ID:        generateID(),
		Token:     value,
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}, nil
}

// mintTokens issues an access token and, when requested, a refresh token.
func (s *Server) mintTokens(ctx context.Context, client *Client, userID, scope string, issueRefresh bool) (*TokenResponse, error) {
	resp, _, err := s.mintAccessToken(ctx, client, userID, scope)
	if err != nil {
		return nil, err
	}

	if issueRefresh {
		refreshToken, err := s.newRefreshToken(client, userID, scope)
		if err != nil {
			return nil, err
		}
		if err := s.storage.SaveRefreshToken(ctx, refreshToken); err != nil {
			return nil, fmt.Errorf("saving refresh token: %w", err)
		}
		resp.RefreshToken = refreshToken.Token
	}

	s.logger.Debug("tokens issued",
		"client_id", client.ClientID,
		"user_id", userID,
		"scope", scope,
		"refresh_token", resp.RefreshToken != "")

	return resp, nil
}

// ValidateAccessToken validates an inbound bearer token against storage.
// Expired tokens are removed and reported as not found.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	accessToken, err := s.storage.GetAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if accessToken.IsExpired() {
		if err := s.storage.DeleteAccessToken(ctx, token); err != nil {
			s.logger.Warn("failed to delete expired access token", "error", err)
		}
		return nil, ErrAccessTokenNotFound
	}
	return accessToken, nil
}

// RevokeToken revokes an access or refresh token. Per RFC 7009, revoking
// an unknown token succeeds.
func (s *Server) RevokeToken(ctx context.Context, token string) error {
	if _, err := s.storage.GetAccessToken(ctx, token); err == nil {
		return s.storage.DeleteAccessToken(ctx, token)
	}
	if _, err := s.storage.GetRefreshToken(ctx, token); err == nil {
		return s.storage.DeleteRefreshToken(ctx, token)
	}
	return nil
}

// GrantConsent records a user's approval of the scopes for a client.
// remember extends the consent indefinitely; otherwise the configured
// consent TTL applies.
func (s *Server) GrantConsent(ctx context.Context, userID, clientID string, scopes []string, remember bool) error {
	ttl := s.config.ConsentTTL
	if remember {
		ttl = 0
	}
	return s.consent.GrantConsent(ctx, userID, clientID, scopes, ttl)
}

// RegisterClient handles dynamic client registration.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest) (*RegistrationResponse, error) {
	return s.registration.Register(ctx, req)
}

// ServerMetadata is the RFC 8414 authorization server metadata document.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Metadata returns the server's discovery document. It is derived from
// configuration and has no side effects.
func (s *Server) Metadata() *ServerMetadata {
	metadata := &ServerMetadata{
		Issuer:                        s.config.Issuer,
		AuthorizationEndpoint:         s.config.BaseURL + "/oauth/authorize",
		TokenEndpoint:                 s.config.BaseURL + "/oauth/token",
		RevocationEndpoint:            s.config.BaseURL + "/oauth/revoke",
		ScopesSupported:               s.config.SupportedScopes,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken},
		CodeChallengeMethodsSupported: []string{string(PKCEMethodS256), string(PKCEMethodPlain)},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
	}
	if s.config.Registration.Enabled {
		metadata.RegistrationEndpoint = s.config.BaseURL + "/oauth/register"
	}
	return metadata
}

// StartCleanupRoutine starts a background routine that removes expired
// codes and tokens until the context is cancelled.
func (s *Server) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.storage.CleanupExpiredCodes(ctx); err != nil {
					s.logger.Warn("cleanup of expired codes failed", "error", err)
				}
				if err := s.storage.CleanupExpiredTokens(ctx); err != nil {
					s.logger.Warn("cleanup of expired tokens failed", "error", err)
				}
			}
		}
	}()
}

package oauth

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// RegistrationConfig configures dynamic client registration.
type RegistrationConfig struct {
	// Enabled enables the registration endpoint.
	Enabled bool

	// AllowedRedirectPatterns are regex patterns for allowed redirect URIs.
	// Empty means any syntactically valid URI is accepted.
	AllowedRedirectPatterns []string

	// DefaultGrantTypes are the default grant types for new clients.
	DefaultGrantTypes []string

	// DefaultResponseTypes are the default response types for new clients.
	DefaultResponseTypes []string

	// SecretExpiry is the lifetime of issued client secrets. Zero means
	// secrets never expire.
	SecretExpiry time.Duration

	// RequirePKCE requires PKCE for all registered clients.
	RequirePKCE bool
}

// RegistrationService handles dynamic client registration (RFC 7591).
type RegistrationService struct {
	storage  Storage
	config   RegistrationConfig
	patterns []*regexp.Regexp
}

// NewRegistrationService creates a new registration service.
func NewRegistrationService(storage Storage, config RegistrationConfig) (*RegistrationService, error) {
	patterns := make([]*regexp.Regexp, 0, len(config.AllowedRedirectPatterns))
	for _, p := range config.AllowedRedirectPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	if len(config.DefaultGrantTypes) == 0 {
		config.DefaultGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if len(config.DefaultResponseTypes) == 0 {
		config.DefaultResponseTypes = []string{"code"}
	}

	return &RegistrationService{
		storage:  storage,
		config:   config,
		patterns: patterns,
	}, nil
}

// RegistrationRequest is a dynamic client registration request.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// RegistrationResponse is a dynamic client registration response. The
// plaintext client secret appears here and nowhere else.
type RegistrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	ClientName            string   `json:"client_name,omitempty"`
	RedirectURIs          []string `json:"redirect_uris"`
	GrantTypes            []string `json:"grant_types"`
	ResponseTypes         []string `json:"response_types"`
	Scope                 string   `json:"scope,omitempty"`
	ClientIDIssuedAt      int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at"` // 0 means never
}

// Register registers a new OAuth client. redirect_uris must be a non-empty
// list of syntactically valid absolute URIs. Public clients (declared via
// token_endpoint_auth_method "none") receive no secret.
func (s *RegistrationService) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResponse, error) {
	if !s.config.Enabled {
		return nil, NewError(ErrorInvalidRequest, "dynamic client registration is disabled")
	}

	if len(req.RedirectURIs) == 0 {
		return nil, NewError(ErrorInvalidRequest, "redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() {
			return nil, NewError(ErrorInvalidRequest, fmt.Sprintf("invalid redirect URI: %s", uri))
		}
		if !s.isAllowedRedirectURI(uri) {
			return nil, NewError(ErrorInvalidRequest, fmt.Sprintf("redirect URI not allowed: %s", uri))
		}
	}

	clientID, err := GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating client ID: %w", err)
	}

	public := req.TokenEndpointAuthMethod == "none"

	var clientSecret, hashedSecret string
	if !public {
		clientSecret, err = GenerateSecureToken(48)
		if err != nil {
			return nil, fmt.Errorf("generating client secret: %w", err)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing client secret: %w", err)
		}
		hashedSecret = string(hashed)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = s.config.DefaultGrantTypes
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = s.config.DefaultResponseTypes
	}

	now := time.Now()
	var secretExpiresAt time.Time
	if !public && s.config.SecretExpiry > 0 {
		secretExpiresAt = now.Add(s.config.SecretExpiry)
	}

	client := &Client{
		ID:              generateID(),
		ClientID:        clientID,
		ClientSecret:    hashedSecret,
		Name:            req.ClientName,
		RedirectURIs:    req.RedirectURIs,
		GrantTypes:      grantTypes,
		ResponseTypes:   responseTypes,
		Scope:           req.Scope,
		Public:          public,
		RequirePKCE:     s.config.RequirePKCE || public,
		IssuedAt:        now,
		SecretExpiresAt: secretExpiresAt,
		Active:          true,
	}

	if err := s.storage.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}

	resp := &RegistrationResponse{
		ClientID:         clientID,
		ClientSecret:     clientSecret, // returned once, never again
		ClientName:       req.ClientName,
		RedirectURIs:     req.RedirectURIs,
		GrantTypes:       grantTypes,
		ResponseTypes:    responseTypes,
		Scope:            req.Scope,
		ClientIDIssuedAt: now.Unix(),
	}
	if !secretExpiresAt.IsZero() {
		resp.ClientSecretExpiresAt = secretExpiresAt.Unix()
	}
	return resp, nil
}

// isAllowedRedirectURI checks if a redirect URI matches the configured patterns.
func (s *RegistrationService) isAllowedRedirectURI(uri string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, pattern := range s.patterns {
		if pattern.MatchString(uri) {
			return true
		}
	}
	return false
}

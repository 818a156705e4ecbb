package oauth

import "errors"

// OAuth 2.1 error codes per RFC 6749 section 5.2, plus the consent
// extension used by the gateway's authorization endpoint.
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorInvalidScope         = "invalid_scope"
	ErrorUnauthorizedClient   = "unauthorized_client"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
	ErrorServerError          = "server_error"
	ErrorConsentRequired      = "consent_required"
	ErrorInvalidToken         = "invalid_token"
)

// Storage sentinel errors. Backends return these so the server can map
// persistence misses onto protocol error codes.
var (
	ErrClientNotFound       = errors.New("client not found")
	ErrClientExists         = errors.New("client already exists")
	ErrCodeNotFound         = errors.New("authorization code not found")
	ErrAccessTokenNotFound  = errors.New("access token not found")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrConsentNotFound      = errors.New("consent not found")
)

// Error is a structured OAuth error returned at the protocol boundary.
// It serializes to the RFC 6749 error response shape.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`

	// ConsentURI is set only for consent_required errors and tells the
	// client where to send the user to approve the requested scopes.
	ConsentURI string `json:"consent_uri,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewError creates a structured OAuth error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// AsOAuthError converts any error into a structured OAuth error.
// Unexpected errors become server_error so persistence failures never
// leak internals to clients.
func AsOAuthError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return &Error{Code: ErrorServerError, Description: "internal error"}
}

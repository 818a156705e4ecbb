// Package http provides HTTP middleware for the gateway.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/toolgate/toolgate/pkg/oauth"
)

// TokenValidator checks a bearer token and returns the access token record
// it resolves to. *oauth.Server satisfies this.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*oauth.AccessToken, error)
}

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated principal attached to a request after the
// bearer middleware accepts it.
type Identity struct {
	UserID   string
	ClientID string
	Scope    string
}

// IdentityFromContext returns the identity attached by RequireBearer, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// WithIdentity attaches an identity to the context. Exposed for tests and
// for handlers invoked outside the middleware chain.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// RequireBearer gates access behind a valid bearer token. Requests without
// a token, or with a token the validator rejects, receive HTTP 401 with a
// WWW-Authenticate header pointing clients at the authorization server.
//
// On success the token's identity is placed in the request context for
// downstream handlers.
func RequireBearer(validator TokenValidator, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := oauth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w, issuer, "missing bearer token")
				return
			}

			accessToken, err := validator.ValidateAccessToken(r.Context(), token)
			if err != nil {
				unauthorized(w, issuer, "invalid or expired token")
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{
				UserID:   accessToken.UserID,
				ClientID: accessToken.ClientID,
				Scope:    accessToken.Scope,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, issuer, description string) {
	header := "Bearer"
	if issuer != "" {
		header = `Bearer realm="` + issuer + `"`
	}
	w.Header().Set("WWW-Authenticate", header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(oauth.NewError(oauth.ErrorInvalidToken, description))
}

// Package tokenmgr manages the bearer credentials the gateway presents
// to upstream OAuth-protected servers. A Manager owns the decision of
// when to acquire or refresh; a TokenStore only persists token data and
// may optionally run a scheduled refresh callback.
package tokenmgr

import (
	"context"
	"errors"
	"time"
)

// ExpiryMargin is subtracted from a token's lifetime when deciding
// whether it is still usable, absorbing clock skew and request latency.
const ExpiryMargin = 30 * time.Second

// ErrNoToken is returned by TokenStore.Load when no token is stored.
var ErrNoToken = errors.New("no token stored")

// TokenData is the credential snapshot held for one upstream server.
// It is overwritten wholesale after each successful acquisition.
type TokenData struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Scope        string

	// ExpiresAt is the access token expiry. Zero means the token never
	// expires (static credentials).
	ExpiresAt time.Time

	// Claims carries unverified identity hints extracted from an
	// id_token, when the acquisition produced one.
	Claims map[string]any
}

// IsExpired reports whether the access token is expired or within
// ExpiryMargin of expiry.
func (t *TokenData) IsExpired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt.Add(-ExpiryMargin))
}

// Valid reports whether the token can be presented to an upstream.
func (t *TokenData) Valid() bool {
	return t != nil && t.AccessToken != "" && !t.IsExpired()
}

// TokenStore persists the token for one upstream server.
//
// Implementations must be safe for concurrent use.
type TokenStore interface {
	// Load returns the stored token, or ErrNoToken.
	Load(ctx context.Context) (*TokenData, error)

	// Save overwrites the stored token.
	Save(ctx context.Context, token *TokenData) error

	// Clear removes the stored token.
	Clear(ctx context.Context) error
}

// RefreshScheduler is an optional TokenStore capability. Stores that
// implement it can run a proactive refresh callback at a fixed time;
// the Manager checks for it with a type assertion and degrades to
// reactive refresh when absent.
type RefreshScheduler interface {
	// ScheduleRefresh arranges for fn to run at the given time,
	// replacing any previously scheduled callback.
	ScheduleRefresh(at time.Time, fn func())

	// CancelRefresh cancels the pending callback, if any.
	CancelRefresh()
}

package oauth

import (
	"context"
	"sync"
	"time"
)

// ConsentScope records a user's approval of a single scope for a client.
type ConsentScope struct {
	Scope       string    `json:"scope"`
	ConsentedAt time.Time `json:"consented_at"`
	ExpiresAt   time.Time `json:"expires_at"` // zero means never
}

// Expired reports whether the consent has lapsed.
func (c *ConsentScope) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// ConsentStore tracks which scopes a user has approved for a client.
//
// Implementations own persistence only; the server decides when consent
// is required. Implementations must be safe for concurrent use.
type ConsentStore interface {
	// HasConsent reports whether every requested scope is covered by a
	// previously granted, non-expired consent for the user/client pair.
	HasConsent(ctx context.Context, userID, clientID string, scopes []string) (bool, error)

	// GrantConsent records approval of the scopes. A zero ttl means the
	// consent never expires.
	GrantConsent(ctx context.Context, userID, clientID string, scopes []string, ttl time.Duration) error

	// RevokeConsent removes all consents for the user/client pair.
	RevokeConsent(ctx context.Context, userID, clientID string) error
}

// MemoryConsentStore is an in-memory implementation of ConsentStore.
type MemoryConsentStore struct {
	mu       sync.RWMutex
	consents map[string]map[string]*ConsentScope // userID|clientID -> scope -> consent
}

// NewMemoryConsentStore creates a new in-memory consent store.
func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{
		consents: make(map[string]map[string]*ConsentScope),
	}
}

func consentKey(userID, clientID string) string {
	return userID + "|" + clientID
}

// HasConsent reports whether all scopes are covered by live consents.
func (s *MemoryConsentStore) HasConsent(_ context.Context, userID, clientID string, scopes []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	granted, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return false, nil
	}
	for _, scope := range scopes {
		consent, ok := granted[scope]
		if !ok || consent.Expired() {
			return false, nil
		}
	}
	return true, nil
}

// GrantConsent records approval of the scopes.
func (s *MemoryConsentStore) GrantConsent(_ context.Context, userID, clientID string, scopes []string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(userID, clientID)
	granted, ok := s.consents[key]
	if !ok {
		granted = make(map[string]*ConsentScope)
		s.consents[key] = granted
	}

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	for _, scope := range scopes {
		granted[scope] = &ConsentScope{
			Scope:       scope,
			ConsentedAt: now,
			ExpiresAt:   expiresAt,
		}
	}
	return nil
}

// RevokeConsent removes all consents for the user/client pair.
func (s *MemoryConsentStore) RevokeConsent(_ context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, consentKey(userID, clientID))
	return nil
}

// Verify MemoryConsentStore implements ConsentStore.
var _ ConsentStore = (*MemoryConsentStore)(nil)

package oauth

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage is an in-memory implementation of Storage.
// It is thread-safe and suitable for development/testing.
// For production, use the postgres package.
type MemoryStorage struct {
	mu            sync.RWMutex
	clients       map[string]*Client
	codes         map[string]*AuthorizationCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients:       make(map[string]*Client),
		codes:         make(map[string]*AuthorizationCode),
		accessTokens:  make(map[string]*AccessToken),
		refreshTokens: make(map[string]*RefreshToken),
	}
}

// CreateClient stores a new client.
func (m *MemoryStorage) CreateClient(_ context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[client.ClientID]; exists {
		return ErrClientExists
	}
	m.clients[client.ClientID] = client
	return nil
}

// GetClient retrieves a client by ID.
func (m *MemoryStorage) GetClient(_ context.Context, clientID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// UpdateClient updates an existing client.
func (m *MemoryStorage) UpdateClient(_ context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[client.ClientID]; !exists {
		return ErrClientNotFound
	}
	m.clients[client.ClientID] = client
	return nil
}

// DeleteClient deletes a client.
func (m *MemoryStorage) DeleteClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.clients, clientID)
	return nil
}

// ListClients returns all clients.
func (m *MemoryStorage) ListClients(_ context.Context) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	return clients, nil
}

// SaveAuthorizationCode stores an authorization code.
func (m *MemoryStorage) SaveAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.codes[code.Code] = code
	return nil
}

// ConsumeAuthorizationCode atomically looks up and removes a code. The
// lookup and delete happen under one lock, so of two concurrent consumers
// exactly one receives the code and the other ErrCodeNotFound.
func (m *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	authCode, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	delete(m.codes, code)
	return authCode, nil
}

// CleanupExpiredCodes removes expired authorization codes.
func (m *MemoryStorage) CleanupExpiredCodes(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for code, authCode := range m.codes {
		if authCode.ExpiresAt.Before(now) {
			delete(m.codes, code)
		}
	}
	return nil
}

// SaveAccessToken stores an access token.
func (m *MemoryStorage) SaveAccessToken(_ context.Context, token *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessTokens[token.Token] = token
	return nil
}

// GetAccessToken retrieves an access token.
func (m *MemoryStorage) GetAccessToken(_ context.Context, token string) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accessToken, ok := m.accessTokens[token]
	if !ok {
		return nil, ErrAccessTokenNotFound
	}
	return accessToken, nil
}

// DeleteAccessToken deletes an access token.
func (m *MemoryStorage) DeleteAccessToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.accessTokens, token)
	return nil
}

// SaveRefreshToken stores a refresh token.
func (m *MemoryStorage) SaveRefreshToken(_ context.Context, token *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshTokens[token.Token] = token
	return nil
}

// GetRefreshToken retrieves a refresh token.
func (m *MemoryStorage) GetRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refreshToken, ok := m.refreshTokens[token]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	return refreshToken, nil
}

// DeleteRefreshToken deletes a refresh token.
func (m *MemoryStorage) DeleteRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.refreshTokens, token)
	return nil
}

// RotateRefreshToken removes the old token and installs its replacement
// under one lock. A concurrent refresh with the old token either wins the
// rotation or finds the token already gone; both tokens are never live.
func (m *MemoryStorage) RotateRefreshToken(_ context.Context, oldToken string, newToken *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refreshTokens[oldToken]; !ok {
		return ErrRefreshTokenNotFound
	}
	delete(m.refreshTokens, oldToken)
	m.refreshTokens[newToken.Token] = newToken
	return nil
}

// DeleteRefreshTokensForClient deletes all refresh tokens for a client.
func (m *MemoryStorage) DeleteRefreshTokensForClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for token, rt := range m.refreshTokens {
		if rt.ClientID == clientID {
			delete(m.refreshTokens, token)
		}
	}
	return nil
}

// CleanupExpiredTokens removes expired access and refresh tokens.
func (m *MemoryStorage) CleanupExpiredTokens(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for token, at := range m.accessTokens {
		if at.ExpiresAt.Before(now) {
			delete(m.accessTokens, token)
		}
	}
	for token, rt := range m.refreshTokens {
		if !rt.ExpiresAt.IsZero() && rt.ExpiresAt.Before(now) {
			delete(m.refreshTokens, token)
		}
	}
	return nil
}

// Verify MemoryStorage implements Storage interface.
var _ Storage = (*MemoryStorage)(nil)

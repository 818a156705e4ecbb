// Package postgres provides PostgreSQL storage for OAuth.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/toolgate/toolgate/pkg/oauth"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// clientColumns lists columns returned by client SELECT queries.
var clientColumns = []string{
	"id", "client_id", "client_secret", "name", "redirect_uris",
	"grant_types", "response_types", "scope", "public", "require_pkce",
	"issued_at", "secret_expires_at", "active",
}

// Store implements oauth.Storage using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL OAuth store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// nullTime maps a zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// CreateClient creates a new OAuth client.
func (s *Store) CreateClient(ctx context.Context, client *oauth.Client) error {
	redirectURIs, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("marshaling redirect URIs: %w", err)
	}
	grantTypes, err := json.Marshal(client.GrantTypes)
	if err != nil {
		return fmt.Errorf("marshaling grant types: %w", err)
	}
	responseTypes, err := json.Marshal(client.ResponseTypes)
	if err != nil {
		return fmt.Errorf("marshaling response types: %w", err)
	}

	query := `
		INSERT INTO oauth_clients
		(id, client_id, client_secret, name, redirect_uris, grant_types, response_types, scope, public, require_pkce, issued_at, secret_expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = s.db.ExecContext(ctx, query,
		client.ID,
		client.ClientID,
		client.ClientSecret,
		client.Name,
		redirectURIs,
		grantTypes,
		responseTypes,
		client.Scope,
		client.Public,
		client.RequirePKCE,
		client.IssuedAt,
		nullTime(client.SecretExpiresAt),
		client.Active,
	)
	if isUniqueViolation(err) {
		return oauth.ErrClientExists
	}
	return err
}

// scanClient scans a client row from any row source.
func scanClient(scan func(dest ...any) error) (*oauth.Client, error) {
	var client oauth.Client
	var redirectURIs, grantTypes, responseTypes []byte
	var secretExpiresAt sql.NullTime

	if err := scan(
		&client.ID,
		&client.ClientID,
		&client.ClientSecret,
		&client.Name,
		&redirectURIs,
		&grantTypes,
		&responseTypes,
		&client.Scope,
		&client.Public,
		&client.RequirePKCE,
		&client.IssuedAt,
		&secretExpiresAt,
		&client.Active,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(redirectURIs, &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("unmarshaling redirect URIs: %w", err)
	}
	if err := json.Unmarshal(grantTypes, &client.GrantTypes); err != nil {
		return nil, fmt.Errorf("unmarshaling grant types: %w", err)
	}
	if err := json.Unmarshal(responseTypes, &client.ResponseTypes); err != nil {
		return nil, fmt.Errorf("unmarshaling response types: %w", err)
	}
	if secretExpiresAt.Valid {
		client.SecretExpiresAt = secretExpiresAt.Time
	}

	return &client, nil
}

// GetClient retrieves a client by client ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*oauth.Client, error) {
	query, args, err := psq.Select(clientColumns...).
		From("oauth_clients").
		Where(sq.Eq{"client_id": clientID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building client query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	client, err := scanClient(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrClientNotFound
	}
	return client, err
}

// UpdateClient updates a client.
func (s *Store) UpdateClient(ctx context.Context, client *oauth.Client) error {
	redirectURIs, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("marshaling redirect URIs: %w", err)
	}
	grantTypes, err := json.Marshal(client.GrantTypes)
	if err != nil {
		return fmt.Errorf("marshaling grant types: %w", err)
	}
	responseTypes, err := json.Marshal(client.ResponseTypes)
	if err != nil {
		return fmt.Errorf("marshaling response types: %w", err)
	}

	query := `
		UPDATE oauth_clients
		SET client_secret = $2, name = $3, redirect_uris = $4, grant_types = $5, response_types = $6, scope = $7, public = $8, require_pkce = $9, secret_expires_at = $10, active = $11
		WHERE client_id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		client.ClientID,
		client.ClientSecret,
		client.Name,
		redirectURIs,
		grantTypes,
		responseTypes,
		client.Scope,
		client.Public,
		client.RequirePKCE,
		nullTime(client.SecretExpiresAt),
		client.Active,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return oauth.ErrClientNotFound
	}
	return nil
}

// DeleteClient deletes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	query := `DELETE FROM oauth_clients WHERE client_id = $1`
	_, err := s.db.ExecContext(ctx, query, clientID)
	return err
}

// ListClients lists all clients, newest first.
func (s *Store) ListClients(ctx context.Context) ([]*oauth.Client, error) {
	query, args, err := psq.Select(clientColumns...).
		From("oauth_clients").
		OrderBy("issued_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building client list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	clients := make([]*oauth.Client, 0)
	for rows.Next() {
		client, err := scanClient(rows.Scan)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}

	return clients, rows.Err()
}

// SaveAuthorizationCode saves an authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *oauth.AuthorizationCode) error {
	query := `
		INSERT INTO oauth_authorization_codes
		(id, code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, state, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		code.ID,
		code.Code,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.Scope,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.State,
		code.ExpiresAt,
		code.CreatedAt,
	)
	return err
}

// ConsumeAuthorizationCode atomically deletes and returns an
// authorization code. The DELETE ... RETURNING form guarantees exactly
// one caller receives the code under concurrent exchanges.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeValue string) (*oauth.AuthorizationCode, error) {
	query := `
		DELETE FROM oauth_authorization_codes
		WHERE code = $1
		RETURNING id, code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, state, expires_at, created_at
	`

	var code oauth.AuthorizationCode
	err := s.db.QueryRowContext(ctx, query, codeValue).Scan(
		&code.ID,
		&code.Code,
		&code.ClientID,
		&code.UserID,
		&code.RedirectURI,
		&code.Scope,
		&code.CodeChallenge,
		&code.CodeChallengeMethod,
		&code.State,
		&code.ExpiresAt,
		&code.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// CleanupExpiredCodes removes expired authorization codes.
func (s *Store) CleanupExpiredCodes(ctx context.Context) error {
	query := `DELETE FROM oauth_authorization_codes WHERE expires_at < $1`
	_, err := s.db.ExecContext(ctx, query, time.Now())
	return err
}

// SaveAccessToken saves an access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *oauth.AccessToken) error {
	query := `
		INSERT INTO oauth_access_tokens (id, token, client_id, user_id, scope, token_type, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		token.ID,
		token.Token,
		token.ClientID,
		token.UserID,
		token.Scope,
		token.TokenType,
		token.ExpiresAt,
		token.CreatedAt,
	)
	return err
}

// GetAccessToken retrieves an access token.
func (s *Store) GetAccessToken(ctx context.Context, tokenValue string) (*oauth.AccessToken, error) {
	query := `
		SELECT id, token, client_id, user_id, scope, token_type, expires_at, created_at
		FROM oauth_access_tokens
		WHERE token = $1
	`

	var token oauth.AccessToken
	err := s.db.QueryRowContext(ctx, query, tokenValue).Scan(
		&token.ID,
		&token.Token,
		&token.ClientID,
		&token.UserID,
		&token.Scope,
		&token.TokenType,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrAccessTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DeleteAccessToken deletes an access token.
func (s *Store) DeleteAccessToken(ctx context.Context, tokenValue string) error {
	query := `DELETE FROM oauth_access_tokens WHERE token = $1`
	_, err := s.db.ExecContext(ctx, query, tokenValue)
	return err
}

// SaveRefreshToken saves a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *oauth.RefreshToken) error {
	return saveRefreshToken(ctx, s.db, token)
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveRefreshToken(ctx context.Context, db execer, token *oauth.RefreshToken) error {
	query := `
		INSERT INTO oauth_refresh_tokens (id, token, client_id, user_id, scope, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := db.ExecContext(ctx, query,
		token.ID,
		token.Token,
		token.ClientID,
		token.UserID,
		token.Scope,
		nullTime(token.ExpiresAt),
		token.CreatedAt,
	)
	return err
}

// GetRefreshToken retrieves a refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, tokenValue string) (*oauth.RefreshToken, error) {
	query := `
		SELECT id, token, client_id, user_id, scope, expires_at, created_at
		FROM oauth_refresh_tokens
		WHERE token = $1
	`

	var token oauth.RefreshToken
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, tokenValue).Scan(
		&token.ID,
		&token.Token,
		&token.ClientID,
		&token.UserID,
		&token.Scope,
		&expiresAt,
		&token.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		token.ExpiresAt = expiresAt.Time
	}
	return &token, nil
}

// DeleteRefreshToken deletes a refresh token.
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenValue string) error {
	query := `DELETE FROM oauth_refresh_tokens WHERE token = $1`
	_, err := s.db.ExecContext(ctx, query, tokenValue)
	return err
}

// RotateRefreshToken atomically replaces oldToken with newToken. The
// delete and insert share a transaction so at most one live token per
// chain survives; a concurrent rotation of the same token loses with
// oauth.ErrRefreshTokenNotFound.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, newToken *oauth.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rotation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = $1`, oldToken)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return oauth.ErrRefreshTokenNotFound
	}

	if err := saveRefreshToken(ctx, tx, newToken); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteRefreshTokensForClient deletes all refresh tokens for a client.
func (s *Store) DeleteRefreshTokensForClient(ctx context.Context, clientID string) error {
	query := `DELETE FROM oauth_refresh_tokens WHERE client_id = $1`
	_, err := s.db.ExecContext(ctx, query, clientID)
	return err
}

// CleanupExpiredTokens removes expired access and refresh tokens.
// Refresh tokens with a NULL expiry never expire.
func (s *Store) CleanupExpiredTokens(ctx context.Context) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_access_tokens WHERE expires_at < $1`, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_refresh_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	return err
}

// Verify interface compliance.
var _ oauth.Storage = (*Store)(nil)

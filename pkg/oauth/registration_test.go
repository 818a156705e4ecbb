package oauth

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newRegistrationService(t *testing.T, config RegistrationConfig) (*RegistrationService, *MemoryStorage) {
	t.Helper()

	storage := NewMemoryStorage()
	service, err := NewRegistrationService(storage, config)
	if err != nil {
		t.Fatalf("NewRegistrationService failed: %v", err)
	}
	return service, storage
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("confidential client", func(t *testing.T) {
		service, storage := newRegistrationService(t, RegistrationConfig{Enabled: true})

		resp, err := service.Register(ctx, RegistrationRequest{
			ClientName:   "My App",
			RedirectURIs: []string{"https://app.example.com/callback"},
			Scope:        "read write",
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if resp.ClientID == "" {
			t.Fatal("Expected a client_id")
		}
		if resp.ClientSecret == "" {
			t.Fatal("Expected a client_secret for a confidential client")
		}
		if resp.ClientSecretExpiresAt != 0 {
			t.Errorf("Expected non-expiring secret, got %d", resp.ClientSecretExpiresAt)
		}
		if resp.ClientIDIssuedAt == 0 {
			t.Error("Expected client_id_issued_at")
		}

		// The stored secret is a hash of the returned plaintext.
		client, err := storage.GetClient(ctx, resp.ClientID)
		if err != nil {
			t.Fatalf("GetClient failed: %v", err)
		}
		if client.ClientSecret == resp.ClientSecret {
			t.Error("Secret must not be stored in plaintext")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecret), []byte(resp.ClientSecret)); err != nil {
			t.Errorf("Stored hash does not match returned secret: %v", err)
		}
		if client.Public {
			t.Error("Client should be confidential")
		}
		if !client.Active {
			t.Error("New client should be active")
		}
	})

	t.Run("public client gets no secret and forced PKCE", func(t *testing.T) {
		service, storage := newRegistrationService(t, RegistrationConfig{Enabled: true})

		resp, err := service.Register(ctx, RegistrationRequest{
			ClientName:              "CLI Tool",
			RedirectURIs:            []string{"http://127.0.0.1:8123/callback"},
			TokenEndpointAuthMethod: "none",
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if resp.ClientSecret != "" {
			t.Error("Public clients must not receive a secret")
		}

		client, err := storage.GetClient(ctx, resp.ClientID)
		if err != nil {
			t.Fatalf("GetClient failed: %v", err)
		}
		if !client.Public {
			t.Error("Expected a public client")
		}
		if !client.RequirePKCE {
			t.Error("Public clients must require PKCE")
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		service, _ := newRegistrationService(t, RegistrationConfig{Enabled: true})

		resp, err := service.Register(ctx, RegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback"},
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if len(resp.GrantTypes) == 0 || resp.GrantTypes[0] != GrantTypeAuthorizationCode {
			t.Errorf("Expected default grant types, got %v", resp.GrantTypes)
		}
		if len(resp.ResponseTypes) != 1 || resp.ResponseTypes[0] != "code" {
			t.Errorf("Expected default response types, got %v", resp.ResponseTypes)
		}
	})

	t.Run("secret expiry", func(t *testing.T) {
		service, _ := newRegistrationService(t, RegistrationConfig{
			Enabled:      true,
			SecretExpiry: time.Hour,
		})

		resp, err := service.Register(ctx, RegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback"},
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if resp.ClientSecretExpiresAt == 0 {
			t.Fatal("Expected client_secret_expires_at to be set")
		}
		expiry := time.Unix(resp.ClientSecretExpiresAt, 0)
		if until := time.Until(expiry); until < 55*time.Minute || until > 65*time.Minute {
			t.Errorf("Secret expiry outside expected window: %s", until)
		}
	})

	t.Run("disabled registration", func(t *testing.T) {
		service, _ := newRegistrationService(t, RegistrationConfig{Enabled: false})

		_, err := service.Register(ctx, RegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback"},
		})
		requireOAuthError(t, err, ErrorInvalidRequest)
	})

	t.Run("missing redirect URIs", func(t *testing.T) {
		service, _ := newRegistrationService(t, RegistrationConfig{Enabled: true})

		_, err := service.Register(ctx, RegistrationRequest{ClientName: "No URIs"})
		requireOAuthError(t, err, ErrorInvalidRequest)
	})

	t.Run("relative redirect URI rejected", func(t *testing.T) {
		service, _ := newRegistrationService(t, RegistrationConfig{Enabled: true})

		_, err := service.Register(ctx, RegistrationRequest{
			RedirectURIs: []string{"/callback"},
		})
		requireOAuthError(t, err, ErrorInvalidRequest)
	})

	t.Run("redirect patterns enforced", func(t *testing.T) {
		service, _ := newRegistrationService(t, RegistrationConfig{
			Enabled:                 true,
			AllowedRedirectPatterns: []string{`^https://[a-z]+\.example\.com/`, `^http://127\.0\.0\.1:`},
		})

		if _, err := service.Register(ctx, RegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback"},
		}); err != nil {
			t.Errorf("Matching URI should register: %v", err)
		}

		_, err := service.Register(ctx, RegistrationRequest{
			RedirectURIs: []string{"https://evil.org/callback"},
		})
		requireOAuthError(t, err, ErrorInvalidRequest)
	})

	t.Run("invalid pattern rejected at construction", func(t *testing.T) {
		_, err := NewRegistrationService(NewMemoryStorage(), RegistrationConfig{
			Enabled:                 true,
			AllowedRedirectPatterns: []string{"["},
		})
		if err == nil {
			t.Fatal("Expected an error for an invalid pattern")
		}
	})
}

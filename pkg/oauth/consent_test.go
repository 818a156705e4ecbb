package oauth

import (
	"context"
	"testing"
	"time"
)

func TestMemoryConsentStore(t *testing.T) {
	ctx := context.Background()

	t.Run("no consent for unknown pair", func(t *testing.T) {
		store := NewMemoryConsentStore()

		ok, err := store.HasConsent(ctx, "user-1", "client-1", []string{"read"})
		if err != nil {
			t.Fatalf("HasConsent failed: %v", err)
		}
		if ok {
			t.Error("Expected no consent for unknown user/client pair")
		}
	})

	t.Run("grant covers requested scopes", func(t *testing.T) {
		store := NewMemoryConsentStore()

		if err := store.GrantConsent(ctx, "user-1", "client-1", []string{"read", "write"}, 0); err != nil {
			t.Fatalf("GrantConsent failed: %v", err)
		}

		ok, err := store.HasConsent(ctx, "user-1", "client-1", []string{"read"})
		if err != nil {
			t.Fatalf("HasConsent failed: %v", err)
		}
		if !ok {
			t.Error("Expected consent for granted scope subset")
		}

		ok, _ = store.HasConsent(ctx, "user-1", "client-1", []string{"read", "write"})
		if !ok {
			t.Error("Expected consent for full granted set")
		}
	})

	t.Run("missing scope denies", func(t *testing.T) {
		store := NewMemoryConsentStore()

		if err := store.GrantConsent(ctx, "user-1", "client-1", []string{"read"}, 0); err != nil {
			t.Fatalf("GrantConsent failed: %v", err)
		}

		ok, _ := store.HasConsent(ctx, "user-1", "client-1", []string{"read", "admin"})
		if ok {
			t.Error("Expected denial when a requested scope was never granted")
		}
	})

	t.Run("consent is per client", func(t *testing.T) {
		store := NewMemoryConsentStore()

		if err := store.GrantConsent(ctx, "user-1", "client-1", []string{"read"}, 0); err != nil {
			t.Fatalf("GrantConsent failed: %v", err)
		}

		ok, _ := store.HasConsent(ctx, "user-1", "client-2", []string{"read"})
		if ok {
			t.Error("Consent for client-1 must not carry over to client-2")
		}
	})

	t.Run("expired consent denies", func(t *testing.T) {
		store := NewMemoryConsentStore()

		if err := store.GrantConsent(ctx, "user-1", "client-1", []string{"read"}, time.Nanosecond); err != nil {
			t.Fatalf("GrantConsent failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)

		ok, _ := store.HasConsent(ctx, "user-1", "client-1", []string{"read"})
		if ok {
			t.Error("Expected expired consent to deny")
		}
	})

	t.Run("revoke removes all scopes", func(t *testing.T) {
		store := NewMemoryConsentStore()

		if err := store.GrantConsent(ctx, "user-1", "client-1", []string{"read", "write"}, 0); err != nil {
			t.Fatalf("GrantConsent failed: %v", err)
		}
		if err := store.RevokeConsent(ctx, "user-1", "client-1"); err != nil {
			t.Fatalf("RevokeConsent failed: %v", err)
		}

		ok, _ := store.HasConsent(ctx, "user-1", "client-1", []string{"read"})
		if ok {
			t.Error("Expected no consent after revocation")
		}
	})
}

func TestConsentScopeExpired(t *testing.T) {
	never := &ConsentScope{Scope: "read"}
	if never.Expired() {
		t.Error("Zero ExpiresAt should never expire")
	}

	past := &ConsentScope{Scope: "read", ExpiresAt: time.Now().Add(-time.Minute)}
	if !past.Expired() {
		t.Error("Consent past ExpiresAt should be expired")
	}
}

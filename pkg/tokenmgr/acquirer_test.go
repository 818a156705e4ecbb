package tokenmgr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestStaticAcquirer(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the configured token", func(t *testing.T) {
		acquirer := &StaticAcquirer{Token: "fixed-token"}

		token, err := acquirer.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if token.AccessToken != "fixed-token" {
			t.Errorf("Unexpected token: %s", token.AccessToken)
		}
		if token.TokenType != "Bearer" {
			t.Errorf("Expected Bearer default, got %s", token.TokenType)
		}
		if !token.ExpiresAt.IsZero() {
			t.Error("Static tokens must not expire")
		}
	})

	t.Run("empty token errors", func(t *testing.T) {
		acquirer := &StaticAcquirer{}
		if _, err := acquirer.Acquire(ctx); err == nil {
			t.Fatal("Expected an error for a missing token")
		}
	})
}

func TestClientCredentialsAcquirer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "client_credentials" {
			t.Errorf("Unexpected grant_type: %s", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "svc-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "read",
		})
	}))
	defer server.Close()

	acquirer := NewClientCredentialsAcquirer(server.URL+"/oauth/token", "svc", "secret", []string{"read"})

	token, err := acquirer.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if token.AccessToken != "svc-access" {
		t.Errorf("Unexpected access token: %s", token.AccessToken)
	}
	if token.Scope != "read" {
		t.Errorf("Unexpected scope: %s", token.Scope)
	}
	if remaining := time.Until(token.ExpiresAt); remaining < 55*time.Minute || remaining > 65*time.Minute {
		t.Errorf("Unexpected expiry: %v", token.ExpiresAt)
	}
}

// unsignedJWT builds a JWT-shaped token whose claims parse without
// signature verification.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()

	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshaling header: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshaling claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
}

func TestAuthorizationCodeAcquirer(t *testing.T) {
	idToken := unsignedJWT(t, map[string]any{"sub": "gateway@example.com"})

	var grants []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		grant := r.FormValue("grant_type")
		grants = append(grants, grant)

		switch grant {
		case "authorization_code":
			if got := r.FormValue("code"); got != "one-shot-code" {
				t.Errorf("Unexpected code: %s", got)
			}
		case "refresh_token":
			if got := r.FormValue("refresh_token"); got != "upstream-refresh" {
				t.Errorf("Unexpected refresh token: %s", got)
			}
		default:
			t.Errorf("Unexpected grant_type: %s", grant)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access-" + grant,
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "upstream-refresh",
			"id_token":      idToken,
		})
	}))
	defer server.Close()

	acquirer := NewAuthorizationCodeAcquirer(AuthorizationCodeConfig{
		AuthURL:      server.URL + "/oauth/authorize",
		TokenURL:     server.URL + "/oauth/token",
		ClientID:     "gateway",
		ClientSecret: "secret",
		RedirectURL:  "https://gateway.example.com/callback",
		Code:         "one-shot-code",
	})

	ctx := context.Background()

	token, err := acquirer.Acquire(ctx)
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	if token.AccessToken != "upstream-access-authorization_code" {
		t.Errorf("Unexpected access token: %s", token.AccessToken)
	}
	if token.RefreshToken != "upstream-refresh" {
		t.Errorf("Unexpected refresh token: %s", token.RefreshToken)
	}
	if sub, _ := token.Claims["sub"].(string); sub != "gateway@example.com" {
		t.Errorf("Expected id_token sub claim, got %v", token.Claims)
	}

	// The code is spent; the second acquisition must refresh.
	token, err = acquirer.Acquire(ctx)
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if token.AccessToken != "upstream-access-refresh_token" {
		t.Errorf("Expected refresh grant result, got %s", token.AccessToken)
	}

	if len(grants) != 2 || grants[0] != "authorization_code" || grants[1] != "refresh_token" {
		t.Errorf("Unexpected grant sequence: %v", grants)
	}
}

func TestAuthorizationCodeAcquirer_NoCredentials(t *testing.T) {
	acquirer := NewAuthorizationCodeAcquirer(AuthorizationCodeConfig{
		TokenURL: "https://idp.example.com/token",
		ClientID: "gateway",
	})

	if _, err := acquirer.Acquire(context.Background()); err == nil {
		t.Fatal("Expected an error with no code and no refresh token")
	}
}

func TestExtractIdentityClaims(t *testing.T) {
	t.Run("no id_token yields nil claims", func(t *testing.T) {
		if claims := extractIdentityClaims(&oauth2.Token{AccessToken: "a"}); claims != nil {
			t.Errorf("Expected nil claims, got %v", claims)
		}
	})

	t.Run("malformed id_token yields nil claims", func(t *testing.T) {
		token := (&oauth2.Token{AccessToken: "a"}).WithExtra(map[string]any{"id_token": "not-a-jwt"})
		if claims := extractIdentityClaims(token); claims != nil {
			t.Errorf("Expected nil claims, got %v", claims)
		}
	})
}

package oauth

import (
	"context"
	"strings"
	"testing"
	"time"
)

// FuzzRegistrationRequest fuzzes the registration request structure.
func FuzzRegistrationRequest(f *testing.F) {
	f.Add("Test Client", "http://localhost:8080/callback", "authorization_code", "")
	f.Add("", "", "", "")
	f.Add("Client", "https://example.com/callback", "refresh_token", "read write")
	f.Add("Name with spaces", "http://localhost/path?query=1", "client_credentials", "none")

	server, err := NewServer(ServerConfig{
		Issuer:       "https://issuer.example.com",
		Registration: RegistrationConfig{Enabled: true},
	}, NewMemoryStorage(), NewMemoryConsentStore())
	if err != nil {
		return
	}

	f.Fuzz(func(_ *testing.T, clientName, redirectURI, grantType, scope string) {
		var redirectURIs []string
		if redirectURI != "" {
			redirectURIs = []string{redirectURI}
		}
		var grantTypes []string
		if grantType != "" {
			grantTypes = []string{grantType}
		}

		req := RegistrationRequest{
			ClientName:   clientName,
			RedirectURIs: redirectURIs,
			GrantTypes:   grantTypes,
			Scope:        scope,
		}

		// Should not panic - errors are expected
		_, _ = server.RegisterClient(context.Background(), req)
	})
}

// FuzzTokenRequest fuzzes the token endpoint dispatch.
func FuzzTokenRequest(f *testing.F) {
	f.Add("authorization_code", "some-code", "https://example.com/cb", "client", "secret", "verifier", "", "")
	f.Add("refresh_token", "", "", "client", "secret", "", "some-refresh-token", "read")
	f.Add("client_credentials", "", "", "client", "secret", "", "", "read write")
	f.Add("", "", "", "", "", "", "", "")
	f.Add("password", "x", "y", "z", "w", "v", "u", "t")

	server, err := NewServer(ServerConfig{
		Issuer: "https://issuer.example.com",
	}, NewMemoryStorage(), NewMemoryConsentStore())
	if err != nil {
		return
	}

	f.Fuzz(func(_ *testing.T, grantType, code, redirectURI, clientID, clientSecret, verifier, refreshToken, scope string) {
		req := TokenRequest{
			GrantType:    grantType,
			Code:         code,
			RedirectURI:  redirectURI,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			CodeVerifier: verifier,
			RefreshToken: refreshToken,
			Scope:        scope,
		}

		// Should not panic
		_, _ = server.Token(context.Background(), req)
	})
}

// FuzzServerConfig fuzzes server configuration.
func FuzzServerConfig(f *testing.F) {
	f.Add("https://example.com", int64(3600), int64(86400), int64(600))
	f.Add("", int64(0), int64(0), int64(0))
	f.Add("http://localhost", int64(1), int64(1), int64(1))
	f.Add("invalid-url", int64(-1), int64(-1), int64(-1))

	f.Fuzz(func(_ *testing.T, issuer string, accessTTL, refreshTTL, authCodeTTL int64) {
		cfg := ServerConfig{
			Issuer:          issuer,
			AccessTokenTTL:  time.Duration(accessTTL) * time.Second,
			RefreshTokenTTL: time.Duration(refreshTTL) * time.Second,
			AuthCodeTTL:     time.Duration(authCodeTTL) * time.Second,
		}

		// Should not panic
		_, _ = NewServer(cfg, NewMemoryStorage(), NewMemoryConsentStore())
	})
}

// FuzzExtractBearerToken fuzzes Authorization header parsing.
func FuzzExtractBearerToken(f *testing.F) {
	f.Add("Bearer abc123")
	f.Add("")
	f.Add("Basic dXNlcjpwYXNz")
	f.Add("Bearer ")
	f.Add("bearer lowercase")
	f.Add(strings.Repeat("A", 4096))

	f.Fuzz(func(t *testing.T, header string) {
		token := ExtractBearerToken(header)
		if token != "" && !strings.HasPrefix(header, "Bearer ") {
			t.Errorf("Extracted token %q from non-Bearer header %q", token, header)
		}
	})
}

// FuzzCodeVerifier fuzzes PKCE verifier validation and verification.
func FuzzCodeVerifier(f *testing.F) {
	f.Add("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", "S256")
	f.Add("", "")
	f.Add(strings.Repeat("a", 43), "plain")
	f.Add(strings.Repeat("a", 129), "S256")
	f.Add("short", "S256")

	f.Fuzz(func(_ *testing.T, verifier, method string) {
		// Should not panic
		_ = ValidateCodeVerifier(verifier)
		if ValidPKCEMethod(method) {
			challenge, err := GenerateCodeChallenge(verifier, PKCEMethod(method))
			if err == nil {
				_, _ = VerifyCodeChallenge(verifier, challenge, PKCEMethod(method))
			}
		}
	})
}

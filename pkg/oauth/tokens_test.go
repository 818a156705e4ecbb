package oauth

import (
	"testing"
)

func TestGenerateSecureToken(t *testing.T) {
	t.Run("tokens are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			token, err := GenerateSecureToken(32)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seen[token] {
				t.Fatalf("duplicate token generated: %s", token)
			}
			seen[token] = true
		}
	})

	t.Run("length scales with input", func(t *testing.T) {
		short, _ := GenerateSecureToken(16)
		long, _ := GenerateSecureToken(48)
		if len(long) <= len(short) {
			t.Errorf("expected longer token for more bytes, got %d <= %d", len(long), len(short))
		}
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"no prefix", "abc123", ""},
		{"empty header", "", ""},
		{"prefix only", "Bearer ", ""},
		{"lowercase prefix", "bearer abc123", ""},
		{"double space", "Bearer  abc123", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
		{"token containing spaces kept whole", "Bearer abc 123", "abc 123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractBearerToken(tt.header); got != tt.want {
				t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestParseFormatScopes(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		scopes := ParseScopes("read write admin")
		if len(scopes) != 3 {
			t.Fatalf("expected 3 scopes, got %d", len(scopes))
		}
		if got := FormatScopes(scopes); got != "read write admin" {
			t.Errorf("FormatScopes = %q", got)
		}
	})

	t.Run("empty string yields nil", func(t *testing.T) {
		if scopes := ParseScopes(""); scopes != nil {
			t.Errorf("expected nil, got %v", scopes)
		}
	})

	t.Run("extra whitespace collapsed", func(t *testing.T) {
		scopes := ParseScopes("  read   write ")
		if len(scopes) != 2 {
			t.Errorf("expected 2 scopes, got %v", scopes)
		}
	})
}

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		allowed   []string
		want      bool
	}{
		{"subset", []string{"read", "write"}, []string{"read", "write", "admin"}, true},
		{"exceeds", []string{"admin"}, []string{"read", "write"}, false},
		{"equal sets", []string{"read"}, []string{"read"}, true},
		{"empty request", nil, []string{"read"}, true},
		{"empty allowed", []string{"read"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateScopes(tt.requested, tt.allowed); got != tt.want {
				t.Errorf("ValidateScopes(%v, %v) = %v, want %v", tt.requested, tt.allowed, got, tt.want)
			}
		})
	}
}

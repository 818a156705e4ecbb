package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func TestValidateCodeVerifier(t *testing.T) {
	t.Run("valid verifier", func(t *testing.T) {
		if err := ValidateCodeVerifier(testVerifier); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("too short", func(t *testing.T) {
		if err := ValidateCodeVerifier("short"); err == nil {
			t.Error("expected error for short verifier")
		}
	})

	t.Run("too long", func(t *testing.T) {
		if err := ValidateCodeVerifier(strings.Repeat("a", 129)); err == nil {
			t.Error("expected error for long verifier")
		}
	})

	t.Run("invalid characters", func(t *testing.T) {
		verifier := strings.Repeat("a", 42) + "!"
		if err := ValidateCodeVerifier(verifier); err == nil {
			t.Error("expected error for invalid characters")
		}
	})
}

func TestGenerateCodeChallenge(t *testing.T) {
	t.Run("S256", func(t *testing.T) {
		challenge, err := GenerateCodeChallenge(testVerifier, PKCEMethodS256)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hash := sha256.Sum256([]byte(testVerifier))
		want := base64.RawURLEncoding.EncodeToString(hash[:])
		if challenge != want {
			t.Errorf("challenge = %q, want %q", challenge, want)
		}
	})

	t.Run("plain", func(t *testing.T) {
		challenge, err := GenerateCodeChallenge(testVerifier, PKCEMethodPlain)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if challenge != testVerifier {
			t.Errorf("plain challenge should equal verifier")
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		if _, err := GenerateCodeChallenge(testVerifier, "S512"); err == nil {
			t.Error("expected error for unsupported method")
		}
	})
}

func TestVerifyCodeChallenge(t *testing.T) {
	t.Run("S256 binding holds", func(t *testing.T) {
		challenge, _ := GenerateCodeChallenge(testVerifier, PKCEMethodS256)

		ok, err := VerifyCodeChallenge(testVerifier, challenge, PKCEMethodS256)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected matching verifier to verify")
		}
	})

	t.Run("S256 wrong verifier fails", func(t *testing.T) {
		challenge, _ := GenerateCodeChallenge(testVerifier, PKCEMethodS256)
		other := strings.Repeat("b", 43)

		ok, err := VerifyCodeChallenge(other, challenge, PKCEMethodS256)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected mismatched verifier to fail")
		}
	})

	t.Run("plain compares directly", func(t *testing.T) {
		ok, err := VerifyCodeChallenge(testVerifier, testVerifier, PKCEMethodPlain)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected plain verifier to verify against itself")
		}
	})
}

func TestValidPKCEMethod(t *testing.T) {
	if !ValidPKCEMethod("S256") || !ValidPKCEMethod("plain") {
		t.Error("expected S256 and plain to be valid")
	}
	if ValidPKCEMethod("s256") || ValidPKCEMethod("") {
		t.Error("expected unknown methods to be invalid")
	}
}

func TestDefaultPKCEMethod(t *testing.T) {
	if DefaultPKCEMethod() != PKCEMethodS256 {
		t.Errorf("expected S256 default, got %s", DefaultPKCEMethod())
	}
}

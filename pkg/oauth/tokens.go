package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// GenerateSecureToken generates a cryptographically secure random token
// of the given byte length, base64url-encoded without padding.
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// generateID generates a unique entity ID.
func generateID() string {
	return uuid.NewString()
}

// ExtractBearerToken extracts the token from an Authorization header
// value. The prefix must be exactly "Bearer " (case-sensitive, single
// space). Malformed headers yield an empty string rather than an error.
func ExtractBearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || strings.HasPrefix(token, " ") {
		return ""
	}
	return token
}

// ParseScopes splits a space-separated scope string into individual
// scopes. An empty string yields nil.
func ParseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// FormatScopes joins scopes into a space-separated scope string.
func FormatScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ValidateScopes reports whether every requested scope appears in the
// allowed set. An empty request is trivially valid.
func ValidateScopes(requested, allowed []string) bool {
	for _, scope := range requested {
		if !slices.Contains(allowed, scope) {
			return false
		}
	}
	return true
}

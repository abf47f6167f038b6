package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// csrfTokenBytes is the entropy of the anti-forgery state parameter.
const csrfTokenBytes = 32

// newVerifier returns a fresh PKCE code verifier (RFC 7636, 43 chars of
// base64url over 32 random bytes).
func newVerifier() string {
	return oauth2.GenerateVerifier()
}

// challengeFor derives the S256 code challenge of verifier.
func challengeFor(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// generateSecureToken generates a cryptographically secure random token.
func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// statesMatch compares two state values in constant time.
func statesMatch(expected, received string) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// TokenMatches compares two API tokens in constant time. Both sides are
// hashed first so the comparison does not leak the expected token's length.
func TokenMatches(expected, presented string) bool {
	if expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(expected))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

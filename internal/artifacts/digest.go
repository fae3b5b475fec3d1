package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize trims the request text and collapses internal whitespace runs to one space.
// Case is preserved because the image models are case sensitive.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Digest returns the hex SHA-256 of the normalized request text.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

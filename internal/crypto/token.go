package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// secretBytes is the entropy of a refresh secret before encoding.
const secretBytes = 32

// NewRefreshSecret mints the opaque secret backing a session. The plaintext
// goes to the client once; only its digest is ever persisted.
func NewRefreshSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret digests a refresh secret for storage and lookup.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

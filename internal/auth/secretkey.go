// Package auth covers secret key generation and hashing, plus bcrypt
// hashing for tunnel passwords.
//
// Secret keys are bearer credentials: only a peppered SHA-256 hash is
// persisted, so a leaked database does not leak usable keys. Tunnel
// passwords are verified but never looked up, so they get bcrypt.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateSecretKey returns a new random team user secret key.
func GenerateSecretKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecretKey returns the hex SHA-256 of key combined with the server
// pepper. The pepper lives outside the database, so hashes in a dumped
// database cannot be brute-forced without it.
func HashSecretKey(key, pepper string) string {
	sum := sha256.Sum256([]byte(key + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two secrets in constant time.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

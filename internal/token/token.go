// Package token generates and digests API keys.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Keys look like sk_<64 hex chars>. The surface format is checked before any
// store lookup so garbage is rejected cheaply.
const (
	Prefix        = "sk_"
	secretBytes   = 32
	displayPrefix = 11
)

var keyPattern = regexp.MustCompile(`^sk_[0-9a-fA-F]{64}$`)

// Generate mints a new raw key. The caller sees it exactly once; only the
// digest is ever persisted.
func Generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return Prefix + hex.EncodeToString(buf), nil
}

// Digest returns the SHA-256 hex digest of a raw key. The digest uniquely
// determines the credential; comparison is one-way by construction.
func Digest(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the first characters of a key, safe to show.
func DisplayPrefix(rawKey string) string {
	if len(rawKey) < displayPrefix {
		return rawKey
	}
	return rawKey[:displayPrefix]
}

// ValidFormat reports whether a raw key has the expected surface shape.
func ValidFormat(rawKey string) bool {
	return keyPattern.MatchString(rawKey)
}

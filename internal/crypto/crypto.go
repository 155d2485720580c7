// Package crypto provides the key derivation, payload encryption, and
// password verification primitives for the connection protocol.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the session key length (AES-256).
	KeySize = 32
	// SaltSize matches the original credential format.
	SaltSize = 16
	// MinIterations is the floor for PBKDF2 iteration counts.
	MinIterations = 100_000
	// DefaultIterations is used when no count is configured.
	DefaultIterations = 100_000
)

// DeriveKey derives session key material from a password and salt using
// PBKDF2-HMAC-SHA256. Iteration counts below MinIterations are rejected so
// a misconfigured deployment cannot weaken key derivation.
func DeriveKey(password, salt []byte, iterations int) ([]byte, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("iteration count %d below minimum %d", iterations, MinIterations)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty salt")
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New), nil
}

// NewSalt returns SaltSize cryptographically random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

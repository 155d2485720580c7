package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Stored credential format: "salthex:hashhex", where hash is
// PBKDF2-HMAC-SHA256(password, salt, DefaultIterations).

// HashPassword hashes a password with a fresh random salt for storage.
func HashPassword(password string) (string, error) {
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	hash, err := DeriveKey([]byte(password), salt, DefaultIterations)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifyPassword checks a password against a stored hash. The provided
// password is run through the same derivation and compared in constant
// time; plaintext passwords are never compared directly.
func VerifyPassword(stored, password string) (bool, error) {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false, fmt.Errorf("malformed stored credential")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, fmt.Errorf("malformed salt: %w", err)
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false, fmt.Errorf("malformed hash: %w", err)
	}

	got, err := DeriveKey([]byte(password), salt, DefaultIterations)
	if err != nil {
		return false, err
	}
	if len(got) != len(want) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

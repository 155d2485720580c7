package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrAuthFailure means a ciphertext failed authentication: wrong key,
// truncation, or tampering.
var ErrAuthFailure = errors.New("decryption failed: authentication error")

// Channel encrypts and decrypts message payloads under one session key
// using AES-256-GCM. Every Seal call draws a fresh random nonce; the
// nonce is prepended to the ciphertext so the peer can open it.
//
// Channel is safe for concurrent use: the AEAD is stateless after
// construction.
type Channel struct {
	aead cipher.AEAD
}

// NewChannel builds a Channel from 32 bytes of key material.
func NewChannel(key []byte) (*Channel, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return &Channel{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce || ciphertext.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts nonce || ciphertext produced by Seal.
func (c *Channel) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, ErrAuthFailure
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

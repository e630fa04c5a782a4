package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/obsidianstack/pulse/server/internal/config"
)

// Envelope opens ciphertext credentials sealed with a 32-byte AES-GCM key.
// Ciphertexts are base64(nonce || sealed).
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope parses a base64-encoded 32-byte key.
func NewEnvelope(b64Key string) (*Envelope, error) {
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("credentials: envelope key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credentials: envelope key is %d bytes, want 32", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: envelope key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: envelope key: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (e *Envelope) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credentials: nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (e *Envelope) Open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("credentials: decode ciphertext: %w", err)
	}
	n := e.aead.NonceSize()
	if len(raw) < n+e.aead.Overhead() {
		return "", fmt.Errorf("credentials: ciphertext too short")
	}
	plain, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("credentials: open ciphertext: %w", err)
	}
	return string(plain), nil
}

func (e *Envelope) Lookup(_ context.Context, dest config.Destination) (string, error) {
	if dest.Ciphertext == "" {
		return "", ErrNoCredential
	}
	v, err := e.Open(dest.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("credentials: %s: %w", dest.ID, err)
	}
	return v, nil
}

package billing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// Cipher encrypts BYOK keys at rest with AES-256-GCM under a server-side
// master key. Plaintext keys never leave the application process.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher constructs a cipher from a 32-byte master key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromEnv reads the base64-encoded master key from
// KEY_ENCRYPTION_SECRET.
func NewCipherFromEnv() (*Cipher, error) {
	secret := os.Getenv("KEY_ENCRYPTION_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("KEY_ENCRYPTION_SECRET is required")
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid KEY_ENCRYPTION_SECRET: %w", err)
	}
	return NewCipher(key)
}

// Encrypt seals the plaintext; the random nonce is prepended to the output.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a sealed value produced by Encrypt.
func (c *Cipher) Decrypt(sealed []byte) (string, error) {
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

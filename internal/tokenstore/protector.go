package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Protector is a reversible protection scheme applied to token values before
// they are written to disk. The store treats it as opaque: inject and forget.
type Protector interface {
	Protect(plaintext string) (string, error)
	Unprotect(protected string) (string, error)
}

// NoopProtector passes values through unchanged. For tests.
type NoopProtector struct{}

func (NoopProtector) Protect(s string) (string, error)   { return s, nil }
func (NoopProtector) Unprotect(s string) (string, error) { return s, nil }

const (
	keyBytes     = 32 // AES-256
	keyFilePerms = 0o600
	keyDirPerms  = 0o700
)

// AESProtector seals token values with AES-256-GCM using a machine-local key
// file. A missing key file is created with fresh random key material, so the
// first save on a machine bootstraps protection transparently.
type AESProtector struct {
	aead cipher.AEAD
}

// NewAESProtector loads the key at keyPath, generating it if absent.
func NewAESProtector(keyPath string) (*AESProtector, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: creating GCM: %w", err)
	}

	return &AESProtector{aead: aead}, nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	key, err := os.ReadFile(keyPath)
	if err == nil {
		if len(key) != keyBytes {
			return nil, fmt.Errorf("tokenstore: key file %s has %d bytes, want %d", keyPath, len(key), keyBytes)
		}

		return key, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("tokenstore: reading key file %s: %w", keyPath, err)
	}

	key = make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("tokenstore: generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), keyDirPerms); err != nil {
		return nil, fmt.Errorf("tokenstore: creating key directory: %w", err)
	}

	if err := os.WriteFile(keyPath, key, keyFilePerms); err != nil {
		return nil, fmt.Errorf("tokenstore: writing key file %s: %w", keyPath, err)
	}

	return key, nil
}

// Protect seals a value as base64(nonce || ciphertext).
func (p *AESProtector) Protect(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokenstore: generating nonce: %w", err)
	}

	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unprotect reverses Protect.
func (p *AESProtector) Unprotect(protected string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(protected)
	if err != nil {
		return "", fmt.Errorf("tokenstore: decoding protected value: %w", err)
	}

	if len(raw) < p.aead.NonceSize() {
		return "", fmt.Errorf("tokenstore: protected value too short")
	}

	nonce, ciphertext := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]

	plain, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("tokenstore: unsealing value: %w", err)
	}

	return string(plain), nil
}

package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptedStore wraps another Store and encrypts values at rest with
// ChaCha20-Poly1305. The random nonce is prepended to the ciphertext and the
// whole blob stored base64-encoded.
type EncryptedStore struct {
	inner Store
	key   []byte
}

// NewEncryptedStore derives a 256-bit key from secret and wraps inner.
func NewEncryptedStore(inner Store, secret string) (*EncryptedStore, error) {
	if secret == "" {
		return nil, fmt.Errorf("storage secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	return &EncryptedStore{inner: inner, key: key[:]}, nil
}

func (s *EncryptedStore) Get(key string) (string, error) {
	blob, err := s.inner.Get(key)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("corrupt stored value for %s: %w", key, err)
	}
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("corrupt stored value for %s: too short", key)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value for %s: %w", key, err)
	}
	return string(plain), nil
}

func (s *EncryptedStore) Set(key, value string) error {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	blob := aead.Seal(nonce, nonce, []byte(value), nil)
	return s.inner.Set(key, base64.StdEncoding.EncodeToString(blob))
}

func (s *EncryptedStore) Delete(key string) error {
	return s.inner.Delete(key)
}

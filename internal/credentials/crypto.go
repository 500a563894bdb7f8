package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltFileName = ".credential_salt"
	saltLen      = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
)

// encryptor seals and opens credential material with a key derived from a
// per-install random salt via argon2id, so the encrypted-DB fallback is
// still useless to anyone who doesn't also hold the data directory.
type encryptor struct {
	aead cipherAEAD
}

// cipherAEAD narrows the chacha20poly1305 API to what this package needs,
// so it stays swappable in tests.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// newEncryptor derives a key from (or creates) a salt file under dataDir
// and constructs a ChaCha20-Poly1305 AEAD from it.
func newEncryptor(dataDir string) (*encryptor, error) {
	salt, err := loadOrCreateSalt(dataDir)
	if err != nil {
		return nil, fmt.Errorf("credentials: load salt: %w", err)
	}
	key := argon2.IDKey([]byte(dataDir), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: build aead: %w", err)
	}
	return &encryptor{aead: aead}, nil
}

func loadOrCreateSalt(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, saltFileName)
	if existing, err := os.ReadFile(path); err == nil && len(existing) == saltLen {
		return existing, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

// Encrypt seals plaintext and returns a base64-encoded "nonce||ciphertext".
func (e *encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt reverses Encrypt.
func (e *encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("credentials: decode ciphertext: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("credentials: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("credentials: open sealed value: %w", err)
	}
	return string(plaintext), nil
}

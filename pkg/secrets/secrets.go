// Package secrets provides encrypted-at-rest storage for service
// credentials (LLM API keys, forge tokens) with environment variable
// fallback. The file format is scrypt-derived AES-256-GCM: salt || nonce ||
// ciphertext, where the plaintext is a JSON map of secret names to values.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32 // AES-256
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
)

// Encrypt seals a secrets map with a passphrase-derived key.
func Encrypt(passphrase string, values map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens a sealed secrets blob.
func Decrypt(passphrase string, data []byte) (map[string]string, error) {
	if len(data) < saltSize+nonceSize {
		return nil, fmt.Errorf("secrets blob too short (%d bytes)", len(data))
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	sealed := data[saltSize+nonceSize:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets (wrong passphrase?): %w", err)
	}

	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	return values, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Store resolves secrets by name, preferring a decrypted secrets file over
// environment variables.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStore creates an empty store (environment fallback only).
func NewStore() *Store {
	return &Store{values: map[string]string{}}
}

// LoadFile decrypts the secrets file at path into the store. A missing
// file is not an error — the store falls back to the environment.
func (s *Store) LoadFile(path, passphrase string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}

	values, err := Decrypt(passphrase, data)
	if err != nil {
		return fmt.Errorf("secrets file %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range values {
		s.values[name] = value
	}
	return nil
}

// SaveFile seals the store's values to path with mode 0600.
func (s *Store) SaveFile(path, passphrase string) error {
	s.mu.RLock()
	values := make(map[string]string, len(s.values))
	for name, value := range s.values {
		values[name] = value
	}
	s.mu.RUnlock()

	data, err := Encrypt(passphrase, values)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file %s: %w", path, err)
	}
	return nil
}

// Set stores a secret value in memory.
func (s *Store) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Get returns a secret by name using standard precedence: decrypted
// secrets file first, environment variable second.
func (s *Store) Get(name string) (string, error) {
	s.mu.RLock()
	value, ok := s.values[name]
	s.mu.RUnlock()
	if ok && value != "" {
		return value, nil
	}

	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// Names returns the secret names held in memory (not values).
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	return names
}

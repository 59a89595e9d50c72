// Package secrets encrypts per-user credentials with AES-256-GCM under
// keys derived from a single master key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey       = errors.New("invalid encryption key")
	ErrDecryptionFailed = errors.New("decryption failed - data may be corrupted or key is wrong")
)

const pbkdf2Iterations = 100000 // OWASP recommended minimum

// Manager derives a per-user encryption key from the master key and a
// per-secret salt, so a leaked ciphertext from one user is useless against
// another.
type Manager struct {
	masterKey []byte
}

// NewManager creates a manager from a base64-encoded master key of at least
// 256 bits.
func NewManager(masterKeyBase64 string) (*Manager, error) {
	if masterKeyBase64 == "" {
		return nil, ErrInvalidKey
	}
	masterKey, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format: %w", err)
	}
	if len(masterKey) < 32 {
		return nil, ErrInvalidKey
	}
	return &Manager{masterKey: masterKey}, nil
}

// GenerateMasterKey creates a new random master key for initial setup.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

type derivedKey struct {
	key         []byte
	fingerprint string
}

func (m *Manager) deriveUserKey(userID string, salt []byte) derivedKey {
	combined := append(append([]byte{}, m.masterKey...), []byte("user:"+userID)...)
	key := pbkdf2.Key(combined, salt, pbkdf2Iterations, 32, sha256.New)
	fingerprint := sha256.Sum256(key)
	return derivedKey{
		key:         key,
		fingerprint: base64.StdEncoding.EncodeToString(fingerprint[:8]),
	}
}

// Encrypt seals value for userID. It returns the ciphertext, the per-secret
// salt, and the fingerprint of the derived key, all base64-encoded. The
// fingerprint lets callers detect secrets sealed under a rotated master key.
func (m *Manager) Encrypt(userID, value string) (ciphertext, salt, fingerprint string, err error) {
	rawSalt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, rawSalt); err != nil {
		return "", "", "", fmt.Errorf("failed to generate salt: %w", err)
	}

	dk := m.deriveUserKey(userID, rawSalt)
	gcm, err := newGCM(dk.key)
	if err != nil {
		return "", "", "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), nil)

	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(rawSalt),
		dk.fingerprint,
		nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same userID.
func (m *Manager) Decrypt(userID, ciphertext, salt string) (string, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}

	dk := m.deriveUserKey(userID, rawSalt)
	gcm, err := newGCM(dk.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}

	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// ValidateFingerprint reports whether a stored secret was sealed under the
// current master key.
func (m *Manager) ValidateFingerprint(userID, salt, storedFingerprint string) (bool, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("invalid salt: %w", err)
	}
	return m.deriveUserKey(userID, rawSalt).fingerprint == storedFingerprint, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
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

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// DefaultKeyID versions values sealed with the current key derivation
	DefaultKeyID = "v1"

	// KeyEnv names the environment variable holding the base64 key
	KeyEnv = "ENCRYPTION_KEY"

	sealedScheme = "enc"
)

var (
	// ErrNoKey is returned when a sealed value is opened without a key
	ErrNoKey = errors.New("no encryption key configured (set " + KeyEnv + ")")

	errShortCiphertext = errors.New("ciphertext too short")
)

// EncryptionManager seals config secrets with AES-256-GCM. Sealed values
// look like "enc:v1:<base64(nonce|ciphertext)>".
type EncryptionManager struct {
	aead  cipher.AEAD
	keyID string
}

// NewEncryptionManager creates a manager from a base64 key. Keys that are
// not exactly 32 bytes are stretched with SHA-256.
func NewEncryptionManager(keyStr string) (*EncryptionManager, error) {
	keyStr = strings.TrimSpace(keyStr)
	if keyStr == "" {
		return nil, ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format (must be base64): %w", KeyEnv, err)
	}
	if len(raw) != 32 {
		sum := sha256.Sum256(raw)
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptionManager{aead: aead, keyID: DefaultKeyID}, nil
}

// FromEnv creates a manager from ENCRYPTION_KEY
func FromEnv() (*EncryptionManager, error) {
	return NewEncryptionManager(os.Getenv(KeyEnv))
}

// GenerateKey returns a random base64 key suitable for ENCRYPTION_KEY
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt returns nonce followed by the GCM ciphertext.
func (em *EncryptionManager) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, em.aead.NonceSize(), em.aead.NonceSize()+len(plaintext)+em.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return em.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (em *EncryptionManager) Decrypt(ciphertext []byte) (string, error) {
	n := em.aead.NonceSize()
	if len(ciphertext) < n {
		return "", errShortCiphertext
	}
	plaintext, err := em.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Seal encrypts a config value into its sealed text form.
func (em *EncryptionManager) Seal(plaintext string) (string, error) {
	ciphertext, err := em.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{sealedScheme, em.keyID, base64.StdEncoding.EncodeToString(ciphertext)}, ":"), nil
}

// Open decrypts a sealed value. Plain values are returned unchanged.
func (em *EncryptionManager) Open(value string) (string, error) {
	keyID, payload, ok := splitSealed(value)
	if !ok {
		return value, nil
	}
	if keyID != em.keyID {
		return "", fmt.Errorf("value sealed with unknown key %q", keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	return em.Decrypt(raw)
}

func (em *EncryptionManager) GetKeyID() string {
	return em.keyID
}

func splitSealed(value string) (keyID, payload string, ok bool) {
	rest, found := strings.CutPrefix(value, sealedScheme+":")
	if !found {
		return "", "", false
	}
	keyID, payload, found = strings.Cut(rest, ":")
	if !found || keyID == "" {
		return "", "", false
	}
	return keyID, payload, true
}

// IsSealed reports whether value has the sealed text form
func IsSealed(value string) bool {
	_, _, ok := splitSealed(value)
	return ok
}

// OpenSecret resolves a config value, decrypting it with ENCRYPTION_KEY when
// it is sealed.
func OpenSecret(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	manager, err := FromEnv()
	if err != nil {
		return "", err
	}
	return manager.Open(value)
}

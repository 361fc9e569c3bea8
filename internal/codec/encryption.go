package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	apperrors "famsync/internal/errors"
)

const (
	keySize          = 32
	pbkdf2Iterations = 100000
)

// EncryptionConfig describes where the AES-256 key comes from.
// Precedence: KeyHex, KeyFile, then Passphrase with Salt.
type EncryptionConfig struct {
	KeyHex     string `yaml:"key_hex" mapstructure:"key_hex"`
	KeyFile    string `yaml:"key_file" mapstructure:"key_file"`
	Passphrase string `yaml:"-" mapstructure:"-"`
	Salt       string `yaml:"salt" mapstructure:"salt"`
}

// Configured reports whether any key source is set
func (c EncryptionConfig) Configured() bool {
	return c.KeyHex != "" || c.KeyFile != "" || c.Passphrase != ""
}

// EncryptionManager encrypts payloads with AES-256-GCM; the nonce is prefixed to the ciphertext
type EncryptionManager struct {
	config EncryptionConfig

	once   sync.Once
	key    []byte
	keyErr error
}

// NewEncryptionManager creates a new encryption manager
func NewEncryptionManager(config EncryptionConfig) *EncryptionManager {
	return &EncryptionManager{config: config}
}

// Enabled reports whether a key source is configured
func (em *EncryptionManager) Enabled() bool {
	return em != nil && em.config.Configured()
}

func (em *EncryptionManager) resolveKey() ([]byte, error) {
	em.once.Do(func() {
		em.key, em.keyErr = deriveKey(em.config)
	})
	return em.key, em.keyErr
}

func deriveKey(c EncryptionConfig) ([]byte, error) {
	switch {
	case c.KeyHex != "":
		key, err := hex.DecodeString(strings.TrimSpace(c.KeyHex))
		if err != nil {
			return nil, apperrors.NewValidationError("encryption key is not valid hex", err)
		}
		if len(key) != keySize {
			return nil, apperrors.NewValidationError(fmt.Sprintf("encryption key must be %d bytes, got %d", keySize, len(key)), nil)
		}
		return key, nil
	case c.KeyFile != "":
		key, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, apperrors.NewValidationError("failed to read encryption key file", err)
		}
		if len(key) != keySize {
			return nil, apperrors.NewValidationError(fmt.Sprintf("key file must hold %d bytes, got %d", keySize, len(key)), nil)
		}
		return key, nil
	case c.Passphrase != "":
		salt := c.Salt
		if salt == "" {
			salt = "famsync"
		}
		return DeriveKeyFromPassphrase(c.Passphrase, []byte(salt)), nil
	}
	return nil, apperrors.NewValidationError("encryption requested but no key is configured", nil)
}

// DeriveKeyFromPassphrase derives a 256-bit key with PBKDF2-SHA256
func DeriveKeyFromPassphrase(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
}

// GenerateKey returns a random 256-bit key
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, apperrors.NewValidationError("failed to generate encryption key", err)
	}
	return key, nil
}

func (em *EncryptionManager) gcm() (cipher.AEAD, error) {
	key, err := em.resolveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.NewEncodingError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

// Encrypt seals data with a random nonce
func (em *EncryptionManager) Encrypt(data []byte) ([]byte, error) {
	gcm, err := em.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperrors.NewEncodingError("failed to generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt
func (em *EncryptionManager) Decrypt(data []byte) ([]byte, error) {
	gcm, err := em.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, apperrors.NewIntegrityError("encrypted payload too short", nil)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.NewIntegrityError("failed to decrypt payload", err)
	}
	return plaintext, nil
}

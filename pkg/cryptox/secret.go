package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// ErrDecryptFailed reports malformed or tampered ciphertext. Callers must
// treat the stored secret as unrecoverable when they see this.
var ErrDecryptFailed = errors.New("cryptox: decryption failed")

// scrypt parameters for deriving the AES key from the configured master key.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// kdfSalt is static. The master key is a single high-entropy secret, not
// a user password; a per-derivation salt would have to be stored alongside
// every ciphertext.
var kdfSalt = []byte("assoc-2fa-secret-kdf-v1")

// secretContext is bound into every ciphertext as additional authenticated
// data so a blob lifted from this table cannot be replayed into another
// decryption context.
var secretContext = []byte("2fa-secret")

// SecretCipher encrypts TOTP seed secrets at rest using AES-256-GCM.
// Construct one per process with NewSecretCipher; it is safe for
// concurrent use.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher derives a 32-byte AES-256 key from masterKey via scrypt
// and returns a ready cipher. The master key can be any length but must be
// non-empty.
func NewSecretCipher(masterKey []byte) (*SecretCipher, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("cryptox: empty master key")
	}

	key, err := scrypt.Key(masterKey, kdfSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("cryptox: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}

	return &SecretCipher{aead: aead}, nil
}

// Encrypt seals plaintext into [12-byte nonce][ciphertext][16-byte tag]
// with a fresh random nonce per call.
func (c *SecretCipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}

	// Seal appends ciphertext and tag to the nonce prefix.
	return c.aead.Seal(nonce, nonce, []byte(plaintext), secretContext), nil
}

// Decrypt opens a blob produced by Encrypt. Any truncation, bit flip or
// wrong-context blob returns ErrDecryptFailed; there is no partial success.
func (c *SecretCipher) Decrypt(blob []byte) (string, error) {
	nonceSize := c.aead.NonceSize()
	if len(blob) < nonceSize {
		return "", ErrDecryptFailed
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, secretContext)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}

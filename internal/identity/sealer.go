// Package identity is the credential store: it holds the device id and the
// bearer token the pipeline authenticates with, sealing the token at rest
// when a passphrase is configured.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for token sealing
const (
	ArgonTime    = 3
	ArgonMemory  = 64 * 1024
	ArgonThreads = 4
	KeySize      = 32
	SaltSize     = 16
)

const sealedPrefix = "sealed:v1:"

// ErrWrongPassphrase is returned when a sealed value does not open
var ErrWrongPassphrase = errors.New("cannot open sealed value: wrong passphrase or corrupt data")

// Sealer encrypts short secrets with a passphrase-derived key
// (Argon2id + XChaCha20-Poly1305). Each Seal uses a fresh salt and nonce.
type Sealer struct {
	passphrase []byte
}

// NewSealer creates a sealer. An empty passphrase yields a nil sealer,
// meaning values are stored in plain text.
func NewSealer(passphrase string) *Sealer {
	if passphrase == "" {
		return nil
	}
	return &Sealer{passphrase: []byte(passphrase)}
}

// IsSealed reports whether v was produced by Seal
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// Seal encrypts plaintext to a printable string
func (s *Sealer) Seal(plaintext string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// salt || nonce || ciphertext
	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), salt)

	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", errors.New("value is not sealed")
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(raw) < SaltSize+chacha20poly1305.NonceSizeX {
		return "", errors.New("sealed value too short")
	}

	salt := raw[:SaltSize]
	nonce := raw[SaltSize : SaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := raw[SaltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return "", ErrWrongPassphrase
	}
	return string(plaintext), nil
}

func (s *Sealer) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, ArgonTime, ArgonMemory, ArgonThreads, KeySize)
}

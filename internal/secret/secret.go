// Package secret seals upstream credentials before they are written to a
// shared store.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of a sealing key.
const KeySize = chacha20poly1305.KeySize

// ErrOpen is returned when a sealed value cannot be authenticated.
var ErrOpen = errors.New("secret: message authentication failed")

// Sealer encrypts and authenticates small values with XChaCha20-Poly1305.
// The random nonce is prepended to each ciphertext.
type Sealer struct {
	aead  cipher.AEAD
	label []byte
}

// New creates a Sealer from a 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Sealer{aead: aead, label: []byte("agw-credential-v1")}, nil
}

// NewEphemeral creates a Sealer with a random key. Values sealed with it
// cannot be opened after the process exits.
func NewEphemeral() (*Sealer, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(key)
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// EncodeKey formats a key for configuration files.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ParseKey decodes a base64 key (standard or URL alphabet, padding optional).
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != KeySize {
				return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("sealing key is not valid base64")
}

// Seal encrypts plaintext. Every call uses a new nonce, so sealing the same
// value twice yields different output.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, s.label), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrOpen
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], s.label)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

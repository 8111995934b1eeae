package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const sealedPrefix = "sb1:"

// Sealer encrypts secret columns before they reach the database.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Box seals values with NaCl secretbox under a key derived from a passphrase.
type Box struct {
	key [32]byte
}

// NewBox derives the sealing key from passphrase.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secret key must not be empty")
	}
	derived, err := scrypt.Key([]byte(passphrase), []byte("calsync-credentials"), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive secret key: %w", err)
	}
	b := &Box{}
	copy(b.key[:], derived)
	return b, nil
}

// Seal encrypts plaintext. Empty values stay empty.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Values without the sealed prefix are returned unchanged,
// so rows written before a key was configured keep working.
func (b *Box) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return sealed, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", fmt.Errorf("sealed value is truncated")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", fmt.Errorf("sealed value failed authentication")
	}
	return string(plain), nil
}

type plainSealer struct{}

func (plainSealer) Seal(s string) (string, error) { return s, nil }
func (plainSealer) Open(s string) (string, error) { return s, nil }

// Package secret implements field encryption for sensitive store columns.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nhle/mailsync/internal/store"
)

// KeySize is the length of a field key in bytes.
const KeySize = chacha20poly1305.KeySize

// version prefixes every ciphertext.
const version byte = 1

// ErrMalformed reports a ciphertext that is too short or has an unknown
// version.
var ErrMalformed = errors.New("malformed ciphertext")

// Cipher seals columns with XChaCha20-Poly1305. The column name is bound
// as associated data.
type Cipher struct {
	aead cipher.AEAD
}

var _ store.Cipher = (*Cipher)(nil)

// New creates a Cipher from a 32-byte key.
func New(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt implements store.Cipher. The output is version || nonce || sealed.
func (c *Cipher) Encrypt(field string, plaintext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+c.aead.Overhead())
	out[0] = version
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(out, out[1:], plaintext, []byte(field)), nil
}

// Decrypt implements store.Cipher.
func (c *Cipher) Decrypt(field string, ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < 1+ns+c.aead.Overhead() || ciphertext[0] != version {
		return nil, ErrMalformed
	}
	nonce := ciphertext[1 : 1+ns]
	p, err := c.aead.Open(nil, nonce, ciphertext[1+ns:], []byte(field))
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", field, err)
	}
	return p, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key for storage in the keyring or environment.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a key produced by EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

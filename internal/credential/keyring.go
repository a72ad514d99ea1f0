// Package credential stores mailbox passwords and the field encryption key
// in the system keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"

	"github.com/nhle/mailsync/internal/model"
)

const serviceName = "mailsync"

// FieldKeyName is the keyring entry holding the store's field key.
const FieldKeyName = "field-key"

// FieldKeyEnv overrides the keyring field key when set.
const FieldKeyEnv = "MAILSYNC_FIELD_KEY"

// Store reads and writes secrets. Environment variables take precedence
// over the keyring so headless deployments need no keyring backend.
type Store struct {
	ring   keyring.Keyring
	getenv func(string) string
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Open returns a Store backed by the system keyring.
func Open() (*Store, error) {
	ring, err := openKeyring()
	if err != nil {
		return nil, err
	}
	return New(ring, os.Getenv), nil
}

// New returns a Store over ring. getenv may be nil to ignore the
// environment.
func New(ring keyring.Keyring, getenv func(string) string) *Store {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	return &Store{ring: ring, getenv: getenv}
}

// PasswordEnv returns the environment variable consulted for an account's
// password, e.g. MAILSYNC_PASSWORD_WORK_MAIL for "work-mail".
func PasswordEnv(account string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(account) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "MAILSYNC_PASSWORD_" + b.String()
}

func passwordKey(account string) string {
	return "password:" + account
}

// Password returns the IMAP password for account.
func (s *Store) Password(account string) (string, error) {
	if v := s.getenv(PasswordEnv(account)); v != "" {
		return v, nil
	}
	return s.get(passwordKey(account))
}

// SetPassword stores the IMAP password for account.
func (s *Store) SetPassword(account, password string) error {
	return s.set(passwordKey(account), password)
}

// FieldKey returns the encoded field key.
func (s *Store) FieldKey() (string, error) {
	if v := s.getenv(FieldKeyEnv); v != "" {
		return v, nil
	}
	return s.get(FieldKeyName)
}

// SetFieldKey stores the encoded field key.
func (s *Store) SetFieldKey(encoded string) error {
	return s.set(FieldKeyName, encoded)
}

// Delete removes a credential by key from the keyring.
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("credential %q: %w", key, model.ErrNotFound)
		}
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("credential %q: %w", key, model.ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *Store) set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

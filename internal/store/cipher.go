package store

// Encrypted column names, used as associated data so a ciphertext cannot
// be replayed into a different column.
const (
	FieldBody        = "raw_items.body"
	FieldTranslation = "raw_items.translation"
	FieldFrom        = "server_state.env_from"
	FieldSubject     = "server_state.env_subject"
)

// Cipher encrypts sensitive columns at rest.
type Cipher interface {
	Encrypt(field string, plaintext []byte) ([]byte, error)
	Decrypt(field string, ciphertext []byte) ([]byte, error)
}

// Plaintext stores columns unencrypted.
type Plaintext struct{}

func (Plaintext) Encrypt(_ string, p []byte) ([]byte, error) { return p, nil }
func (Plaintext) Decrypt(_ string, c []byte) ([]byte, error) { return c, nil }

func (s *SQLiteStore) seal(field string, p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return s.cipher.Encrypt(field, p)
}

func (s *SQLiteStore) open(field string, c []byte) ([]byte, error) {
	if len(c) == 0 {
		return nil, nil
	}
	return s.cipher.Decrypt(field, c)
}

func (s *SQLiteStore) sealString(field, v string) ([]byte, error) {
	return s.seal(field, []byte(v))
}

func (s *SQLiteStore) openString(field string, c []byte) (string, error) {
	p, err := s.open(field, c)
	return string(p), err
}

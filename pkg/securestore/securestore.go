// Package securestore keeps shared secrets in guarded memory. The VRRP
// authentication key derived by the password utility lives here for the
// daemon's lifetime and is only exposed to the codec through a short-lived
// callback.
package securestore

import (
	"github.com/awnumar/memguard"
)

// Secret holds a value securely in memory.
type Secret struct {
	buffer *memguard.Enclave
}

// NewSecret creates a new secret from raw bytes. The caller should wipe its
// own copy after use.
func NewSecret(value []byte) (*Secret, error) {
	return &Secret{buffer: memguard.NewEnclave(value)}, nil
}

// Access calls f with the plaintext value. The slice is only valid for the
// duration of the call. A nil secret presents as an empty key.
func (s *Secret) Access(f func([]byte)) error {
	if s == nil || s.buffer == nil {
		f(nil)
		return nil
	}
	b, err := s.buffer.Open()
	if err != nil {
		return err
	}
	defer b.Destroy()
	f(b.Bytes())
	return nil
}

// Destroy securely wipes the secret from memory.
func (s *Secret) Destroy() {
	if s != nil {
		s.buffer = nil
	}
}

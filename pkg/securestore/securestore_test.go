package securestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretAccess(t *testing.T) {
	t.Run("provides access to plaintext", func(t *testing.T) {
		secret, err := NewSecret([]byte{0x83, 0xbf, 0x50, 0x17, 0xcc, 0xd7, 0x2a, 0x41})
		require.NoError(t, err)
		defer secret.Destroy()

		var accessed []byte
		err = secret.Access(func(plaintext []byte) {
			accessed = append(accessed, plaintext...)
		})
		require.NoError(t, err)
		assert.Equal(t, []byte{0x83, 0xbf, 0x50, 0x17, 0xcc, 0xd7, 0x2a, 0x41}, accessed)
	})

	t.Run("accesses are repeatable", func(t *testing.T) {
		secret, err := NewSecret([]byte("temporary"))
		require.NoError(t, err)
		defer secret.Destroy()

		var first, second []byte
		require.NoError(t, secret.Access(func(p []byte) { first = append(first, p...) }))
		require.NoError(t, secret.Access(func(p []byte) { second = append(second, p...) }))
		assert.Equal(t, first, second)
	})

	t.Run("nil secret presents as empty key", func(t *testing.T) {
		var secret *Secret
		called := false
		err := secret.Access(func(plaintext []byte) {
			called = true
			assert.Nil(t, plaintext)
		})
		require.NoError(t, err)
		assert.True(t, called, "callback runs even for a nil secret")
	})
}

func TestSecretDestroy(t *testing.T) {
	secret, err := NewSecret([]byte("short-lived"))
	require.NoError(t, err)
	secret.Destroy()
	secret.Destroy()

	var nilSecret *Secret
	nilSecret.Destroy()
}

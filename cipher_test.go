package blockcrypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCipherSuite(t *testing.T) {
	tests := []struct {
		in   string
		want CipherSuite
	}{
		{"aes-256-gcm", CipherAES256GCM},
		{"AES256GCM", CipherAES256GCM},
		{"chacha20-poly1305", CipherChaCha20Poly1305},
		{"CHACHA20POLY1305", CipherChaCha20Poly1305},
	}
	for _, tt := range tests {
		got, err := ParseCipherSuite(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseCipherSuite("rot13")
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.Equal(t, "unknown", CipherSuite(0).String())
	assert.Equal(t, "", CipherSuite(0).ModuleID())
	for _, s := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		parsed, err := ParseCipherSuite(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
		parsed, err = ParseCipherSuite(s.ModuleID())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

func TestCipherEngine(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	plaintext := []byte("the quick brown fox")
	aad := []byte("key-id")

	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			e, err := NewCipherEngine(suite, key)
			require.NoError(t, err)
			assert.Equal(t, 28, e.Overhead())

			sealed, err := e.Seal(plaintext, aad)
			require.NoError(t, err)
			assert.Len(t, sealed, len(plaintext)+e.Overhead())

			again, err := e.Seal(plaintext, aad)
			require.NoError(t, err)
			assert.NotEqual(t, sealed, again, "every seal uses a fresh nonce")

			got, err := e.Open(sealed, aad)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)

			empty, err := e.Seal(nil, aad)
			require.NoError(t, err)
			got, err = e.Open(empty, aad)
			require.NoError(t, err)
			assert.Empty(t, got)

			_, err = e.Open(sealed, []byte("other"))
			assert.ErrorIs(t, err, ErrAuthFailed, "wrong additional data")

			tampered := append([]byte(nil), sealed...)
			tampered[len(tampered)-1] ^= 1
			_, err = e.Open(tampered, aad)
			assert.ErrorIs(t, err, ErrAuthFailed)

			_, err = e.Open(sealed[:10], aad)
			assert.ErrorIs(t, err, ErrAuthFailed, "shorter than nonce and tag")
		})
	}
}

func TestNewCipherEngine_Errors(t *testing.T) {
	_, err := NewCipherEngine(CipherAES256GCM, make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewCipherEngine(CipherSuite(99), make([]byte, KeySize))
	assert.ErrorIs(t, err, ErrUnsupported)
}

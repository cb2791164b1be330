package blockcrypt

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordKeyProvider(t *testing.T) {
	providers := map[string]*PasswordKeyProvider{
		"pbkdf2-sha256": NewPasswordKeyProviderPBKDF2([]byte("secret"), PBKDF2Params{Iterations: 1000}),
		"pbkdf2-sha512": NewPasswordKeyProviderPBKDF2([]byte("secret"), PBKDF2Params{Iterations: 1000, HashFunc: SHA512}),
		"argon2id":      NewPasswordKeyProvider([]byte("secret"), Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1}),
	}

	for name, p := range providers {
		t.Run(name, func(t *testing.T) {
			salt, err := p.GenerateSalt()
			require.NoError(t, err)
			assert.Len(t, salt, defaultSaltSize)

			k1, err := p.DeriveKey(salt)
			require.NoError(t, err)
			assert.Len(t, k1, KeySize)

			k2, err := p.DeriveKey(salt)
			require.NoError(t, err)
			assert.Equal(t, k1, k2, "derivation is deterministic")

			other, err := p.GenerateSalt()
			require.NoError(t, err)
			k3, err := p.DeriveKey(other)
			require.NoError(t, err)
			assert.NotEqual(t, k1, k3)

			_, err = p.DeriveKey(nil)
			assert.Error(t, err)
		})
	}
}

func TestPasswordKeyProvider_Defaults(t *testing.T) {
	p := NewPasswordKeyProviderPBKDF2([]byte("pw"), PBKDF2Params{})
	assert.Equal(t, 100000, p.pbkdf2Params.Iterations)
	assert.Equal(t, defaultSaltSize, p.pbkdf2Params.SaltSize)

	a := NewPasswordKeyProvider([]byte("pw"), Argon2idParams{SaltSize: 16})
	assert.Equal(t, uint32(64*1024), a.argon2Params.Memory)
	assert.Equal(t, uint32(3), a.argon2Params.Iterations)
	assert.Equal(t, uint8(4), a.argon2Params.Parallelism)
	salt, err := a.GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt, 16)
}

func TestPasswordKeyProvider_Errors(t *testing.T) {
	_, err := NewPasswordKeyProviderPBKDF2(nil, PBKDF2Params{Iterations: 1000}).DeriveKey([]byte("salt"))
	assert.Error(t, err, "empty password")

	_, err = NewPasswordKeyProviderPBKDF2([]byte("pw"), PBKDF2Params{Iterations: 1000, HashFunc: HashFunc(9)}).DeriveKey([]byte("salt"))
	assert.Error(t, err, "unsupported hash")
}

func TestStaticKeyProvider(t *testing.T) {
	_, err := NewStaticKeyProvider([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	secret := bytes.Repeat([]byte{7}, KeySize)
	p, err := NewStaticKeyProvider(secret)
	require.NoError(t, err)

	// the provider keeps its own copy
	secret[0] = 0
	q, err := NewStaticKeyProvider(bytes.Repeat([]byte{7}, KeySize))
	require.NoError(t, err)

	salt, err := p.GenerateSalt()
	require.NoError(t, err)
	k1, err := p.DeriveKey(salt)
	require.NoError(t, err)
	k2, err := q.DeriveKey(salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, bytes.Repeat([]byte{7}, KeySize), k1, "the secret is expanded, not used as is")

	_, err = p.DeriveKey(nil)
	assert.Error(t, err)
}

func TestEnvKeyProvider(t *testing.T) {
	const envVar = "BLOCKCRYPT_TEST_MASTER_KEY"
	secret := bytes.Repeat([]byte{3}, KeySize)
	p := NewEnvKeyProvider(envVar)
	salt := []byte("0123456789abcdef")

	t.Setenv(envVar, "")
	_, err := p.DeriveKey(salt)
	assert.Error(t, err, "unset variable")

	t.Setenv(envVar, "not hex")
	_, err = p.DeriveKey(salt)
	assert.Error(t, err)

	t.Setenv(envVar, hex.EncodeToString(secret[:16]))
	_, err = p.DeriveKey(salt)
	assert.ErrorIs(t, err, ErrInvalidKey)

	t.Setenv(envVar, hex.EncodeToString(secret))
	got, err := p.DeriveKey(salt)
	require.NoError(t, err)

	static, err := NewStaticKeyProvider(secret)
	require.NoError(t, err)
	want, err := static.DeriveKey(salt)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMultiKeyProvider(t *testing.T) {
	_, err := NewMultiKeyProvider()
	assert.Error(t, err)
	_, err = NewMultiKeyProvider(nil)
	assert.ErrorIs(t, err, ErrNilKeyProvider)

	primary, err := NewStaticKeyProvider(bytes.Repeat([]byte{1}, KeySize))
	require.NoError(t, err)
	old, err := NewStaticKeyProvider(bytes.Repeat([]byte{2}, KeySize))
	require.NoError(t, err)

	mp, err := NewMultiKeyProvider(primary, old)
	require.NoError(t, err)

	salt := []byte("salt")
	got, err := mp.DeriveKey(salt)
	require.NoError(t, err)
	want, err := primary.DeriveKey(salt)
	require.NoError(t, err)
	assert.Equal(t, want, got, "new keys come from the primary provider")

	providers := mp.Providers()
	require.Len(t, providers, 2)
	assert.Same(t, primary, providers[0])
	assert.Same(t, old, providers[1])

	// callers cannot reorder the providers
	providers[0] = old
	assert.Same(t, primary, mp.Providers()[0])

	assert.Equal(t, []KeyProvider{primary}, keyProviders(primary))
	assert.Len(t, keyProviders(mp), 2)
}

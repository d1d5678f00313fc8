package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastParams(t *testing.T, base Params) Params {
	t.Helper()
	switch base.Algorithm {
	case KDFScrypt:
		base.ScryptN = 1 << 10
	case KDFArgon2id:
		base.Iterations = 1
		base.MemoryKiB = 8 * 1024
	}
	p, err := base.WithFreshSalt()
	require.NoError(t, err)
	return p
}

func TestDeriveKeyDeterministicPerAlgorithm(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"pbkdf2", Params{Algorithm: KDFPBKDF2, Iterations: 10_000}},
		{"scrypt", DefaultScryptParams()},
		{"argon2id", DefaultArgon2Params()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fastParams(t, tt.params)

			k1, err := DeriveKey([]byte("correct horse battery"), p)
			require.NoError(t, err)
			defer k1.Destroy()
			k2, err := DeriveKey([]byte("correct horse battery"), p)
			require.NoError(t, err)
			defer k2.Destroy()
			other, err := DeriveKey([]byte("wrong horse battery"), p)
			require.NoError(t, err)
			defer other.Destroy()

			assert.Len(t, k1.Bytes(), 32)
			assert.True(t, bytes.Equal(k1.Bytes(), k2.Bytes()))
			assert.False(t, bytes.Equal(k1.Bytes(), other.Bytes()))
		})
	}
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())
	assert.NoError(t, DefaultScryptParams().Validate())
	assert.NoError(t, DefaultArgon2Params().Validate())

	assert.Error(t, Params{Algorithm: KDFPBKDF2, Iterations: 100}.Validate())
	assert.Error(t, Params{Algorithm: KDFScrypt, ScryptN: 1000, ScryptR: 8, ScryptP: 1}.Validate())
	assert.Error(t, Params{Algorithm: KDFArgon2id, Iterations: 1, MemoryKiB: 1, Parallelism: 1}.Validate())
	assert.Error(t, Params{Algorithm: "bcrypt"}.Validate())
}

func TestDeriveKeyRequiresSalt(t *testing.T) {
	_, err := DeriveKey([]byte("passphrase"), DefaultParams())
	assert.Error(t, err)
}

func TestWrapUnwrap(t *testing.T) {
	wrapping, err := RandomBytes(32)
	require.NoError(t, err)
	key, err := RandomBytes(32)
	require.NoError(t, err)

	blob, err := WrapKey(key, wrapping, []byte("key-1"))
	require.NoError(t, err)

	out, err := UnwrapKey(blob, wrapping, []byte("key-1"))
	require.NoError(t, err)
	assert.Equal(t, key, out)

	_, err = UnwrapKey(blob, wrapping, []byte("key-2"))
	assert.ErrorIs(t, err, ErrUnwrap)

	otherKey, err := RandomBytes(32)
	require.NoError(t, err)
	_, err = UnwrapKey(blob, otherKey, []byte("key-1"))
	assert.ErrorIs(t, err, ErrUnwrap)

	blob[len(blob)-1] ^= 0x01
	_, err = UnwrapKey(blob, wrapping, []byte("key-1"))
	assert.ErrorIs(t, err, ErrUnwrap)

	_, err = UnwrapKey([]byte{1, 2, 3}, wrapping, nil)
	assert.ErrorIs(t, err, ErrUnwrap)
}

func TestAEADSuites(t *testing.T) {
	master, err := RandomBytes(32)
	require.NoError(t, err)
	salt, err := RandomBytes(32)
	require.NoError(t, err)

	sub, err := DeriveSubKey(master, salt)
	require.NoError(t, err)
	again, err := DeriveSubKey(master, salt)
	require.NoError(t, err)
	assert.Equal(t, sub, again)
	assert.NotEqual(t, master, sub)

	for _, alg := range []Algorithm{ChaCha20Poly1305, AES256GCM} {
		t.Run(string(alg), func(t *testing.T) {
			require.True(t, KnownAlgorithm(alg))
			aead, err := NewAEAD(alg, sub)
			require.NoError(t, err)
			assert.Equal(t, 12, aead.NonceSize())
			assert.Equal(t, 16, aead.Overhead())

			nonce := make([]byte, 12)
			sealed := aead.Seal(nil, nonce, []byte("payload"), []byte("aad"))
			out, err := aead.Open(nil, nonce, sealed, []byte("aad"))
			require.NoError(t, err)
			assert.Equal(t, "payload", string(out))
		})
	}

	_, err = NewAEAD("rot13", sub)
	assert.Error(t, err)
	_, err = DeriveSubKey(master, salt[:16])
	assert.Error(t, err)
}

func TestIsWeakKey(t *testing.T) {
	assert.True(t, IsWeakKey(make([]byte, 32)))
	assert.True(t, IsWeakKey([]byte("short")))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{0xAB}, 32)))

	strong, err := RandomBytes(32)
	require.NoError(t, err)
	for IsWeakKey(strong) {
		strong, err = RandomBytes(32)
		require.NoError(t, err)
	}
	assert.False(t, IsWeakKey(strong))
}

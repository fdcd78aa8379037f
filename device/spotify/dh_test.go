package spotify

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/big"
	"testing"
)

func TestSharedSecretIsSymmetric(t *testing.T) {
	for i := 0; i < 5; i++ {
		a, err := GenerateKeyPair(rand.Reader)
		require.NoError(t, err)
		b, err := GenerateKeyPair(rand.Reader)
		require.NoError(t, err)

		secretA, err := a.SharedSecret(b.PublicKey())
		require.NoError(t, err)
		secretB, err := b.SharedSecret(a.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, 0, secretA.Cmp(secretB))
	}
}

func TestGenerateKeyPairUsesFreshExponents(t *testing.T) {
	a, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	b, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	assert.NotEqual(t, 0, a.PublicKey().Cmp(b.PublicKey()))
}

func TestGenerateKeyPairFailsOnShortRandom(t *testing.T) {
	_, err := GenerateKeyPair(bytes.NewReader(make([]byte, 10)))
	assert.Error(t, err)
}

func TestKeyPairFromPrivateIsDeterministic(t *testing.T) {
	a := KeyPairFromPrivate(big.NewInt(12345))
	b := KeyPairFromPrivate(big.NewInt(12345))
	assert.Equal(t, a.PublicKeyBytes(), b.PublicKeyBytes())
	assert.Equal(t, 0, a.PublicKey().Cmp(new(big.Int).Exp(big.NewInt(2), big.NewInt(12345), dhPrime)))
}

func TestPublicKeyIsACopy(t *testing.T) {
	kp := KeyPairFromPrivate(big.NewInt(99))
	kp.PublicKey().SetInt64(0)
	assert.NotEqual(t, 0, kp.PublicKey().Sign())
}

func TestSharedSecretRejectsOutOfRangeKeys(t *testing.T) {
	kp := KeyPairFromPrivate(big.NewInt(7))
	for _, key := range []*big.Int{nil, big.NewInt(0), big.NewInt(1), new(big.Int).Sub(dhPrime, big.NewInt(1)), dhPrime} {
		_, err := kp.SharedSecret(key)
		var keyErr *InvalidKeyError
		assert.True(t, errors.As(err, &keyErr), "expected invalid key error for %v", key)
	}
}

func TestParsePublicKey(t *testing.T) {
	kp := KeyPairFromPrivate(big.NewInt(424242))
	parsed, err := ParsePublicKey(base64.StdEncoding.EncodeToString(kp.PublicKeyBytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Cmp(kp.PublicKey()))

	for _, encoded := range []string{"", "not base64!", base64.StdEncoding.EncodeToString([]byte{1}), base64.StdEncoding.EncodeToString(append(dhPrime.Bytes(), 0))} {
		_, err := ParsePublicKey(encoded)
		var keyErr *InvalidKeyError
		assert.True(t, errors.As(err, &keyErr), "expected invalid key error for %q", encoded)
	}
}

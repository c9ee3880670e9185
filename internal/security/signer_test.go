package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	priv, err := base64.StdEncoding.DecodeString(kp.PrivateKey)
	require.NoError(t, err)
	assert.Len(t, priv, ed25519.SeedSize)

	pub, err := base64.StdEncoding.DecodeString(kp.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, ed25519.PublicKeySize)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.PrivateKey, other.PrivateKey)
}

func TestDerivePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := DerivePublicKey(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, derived)

	again, err := DerivePublicKey(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, derived, again, "derivation must be deterministic")

	// expanded 64-byte form derives the same key
	seed, _ := base64.StdEncoding.DecodeString(kp.PrivateKey)
	expanded := base64.StdEncoding.EncodeToString(ed25519.NewKeyFromSeed(seed))
	fromExpanded, err := DerivePublicKey(expanded)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, fromExpanded)

	_, err = DerivePublicKey("not base64!")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = DerivePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveKeyPair(t *testing.T) {
	a, err := DeriveKeyPair([]byte("operator secret"), "licensecore/peer")
	require.NoError(t, err)
	b, err := DeriveKeyPair([]byte("operator secret"), "licensecore/peer")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := DeriveKeyPair([]byte("operator secret"), "licensecore/other")
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKey, c.PublicKey)

	pub, err := DerivePublicKey(a.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey, pub)

	_, err = DeriveKeyPair(nil, "x")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	messages := [][]byte{
		[]byte("hello"),
		{},
		[]byte(`{"licenseId":"lic-1","tier":"professional"}`),
		make([]byte, 4096),
	}

	for _, msg := range messages {
		sig, err := Sign(msg, kp.PrivateKey)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(sig)
		require.NoError(t, err)
		assert.Len(t, raw, ed25519.SignatureSize)

		assert.True(t, Verify(msg, sig, kp.PublicKey))
		assert.False(t, Verify(append(append([]byte(nil), msg...), 'x'), sig, kp.PublicKey), "altered message")
		assert.False(t, Verify(msg, sig, other.PublicKey), "mismatched key")
	}
}

func TestSignDeterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("same input")
	first, err := Sign(msg, kp.PrivateKey)
	require.NoError(t, err)
	second, err := Sign(msg, kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVerifyFailsClosed(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	msg := []byte("payload")
	sig, err := Sign(msg, kp.PrivateKey)
	require.NoError(t, err)

	tests := []struct {
		name      string
		signature string
		publicKey string
	}{
		{"signature not base64", "%%%", kp.PublicKey},
		{"signature wrong length", base64.StdEncoding.EncodeToString([]byte("abc")), kp.PublicKey},
		{"empty signature", "", kp.PublicKey},
		{"public key not base64", sig, "***"},
		{"public key wrong length", sig, base64.StdEncoding.EncodeToString([]byte("abc"))},
		{"empty public key", sig, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(msg, tt.signature, tt.publicKey))
			})
		})
	}

	_, err = Sign(msg, "garbage")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

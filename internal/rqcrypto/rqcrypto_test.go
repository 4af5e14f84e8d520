package rqcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword_IsDeterministicAndSalted(t *testing.T) {
	h1 := HashPassword("hunter2")
	h2 := HashPassword("hunter2")
	assert.Equal(t, h1, h2, "HashPassword is not deterministic for the same input")

	h3 := HashPassword("different")
	assert.NotEqual(t, h1, h3, "expected different passwords to hash differently")
}

func TestRSAPublicKeyRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKey()
	require.NoError(t, err)
	marshaled, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	parsed, err := ParsePublicKey(marshaled)
	require.NoError(t, err)
	assert.Zero(t, parsed.N.Cmp(priv.PublicKey.N), "round-tripped public key modulus mismatch")
}

func TestSessionKeyHandshakeRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKey()
	require.NoError(t, err)
	sessionKey, err := GenerateSessionKey()
	require.NoError(t, err)
	require.Len(t, sessionKey, SessionKeySize)

	enc, err := EncryptSessionKey(&priv.PublicKey, sessionKey)
	require.NoError(t, err)
	dec, err := DecryptSessionKey(priv, enc)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, dec, "decrypted session key does not match original")
}

func TestSealOpenFrameRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	plaintext := []byte("the quick brown fox")

	nonce, ciphertext, err := SealFrame(key, plaintext)
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)
	assert.False(t, isZero(nonce), "freshly generated nonce must never be all-zero")

	got, err := OpenFrame(key, nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenFrame_RejectsZeroNonce(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	zeroNonce := make([]byte, NonceSize)
	_, err = OpenFrame(key, zeroNonce, []byte("anything"))
	assert.Error(t, err, "expected zero nonce to be rejected")
}

func TestOpenFrame_RejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	nonce, ciphertext, err := SealFrame(key, []byte("authentic message"))
	require.NoError(t, err)
	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	_, err = OpenFrame(key, nonce, tampered)
	assert.Error(t, err, "expected tampered ciphertext to fail authentication")
}

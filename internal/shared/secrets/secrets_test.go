package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("a-long-test-passphrase")
	require.NoError(t, err)

	ct, err := enc.Encrypt("sk-ant-api03-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-ant-api03-secret", ct)

	pt, err := enc.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-api03-secret", pt)
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	enc, err := NewEncryptor("a-long-test-passphrase")
	require.NoError(t, err)

	a, err := enc.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := enc.Encrypt("same-plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTamper(t *testing.T) {
	enc, err := NewEncryptor("a-long-test-passphrase")
	require.NoError(t, err)

	ct, err := enc.Encrypt("sk-live-key")
	require.NoError(t, err)

	// Flip a character in the base64 payload.
	tampered := []byte(ct)
	if tampered[len(tampered)-2] == 'A' {
		tampered[len(tampered)-2] = 'B'
	} else {
		tampered[len(tampered)-2] = 'A'
	}
	_, err = enc.Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	enc1, err := NewEncryptor("passphrase-one")
	require.NoError(t, err)
	enc2, err := NewEncryptor("passphrase-two")
	require.NoError(t, err)

	ct, err := enc1.Encrypt("sk-live-key")
	require.NoError(t, err)

	_, err = enc2.Decrypt(ct)
	assert.Error(t, err)
}

func TestEmptyValues(t *testing.T) {
	_, err := NewEncryptor("")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	enc, err := NewEncryptor("a-long-test-passphrase")
	require.NoError(t, err)

	ct, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ct)

	pt, err := enc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, pt)
}

package credentials

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := newEncryptor(t.TempDir())
	require.NoError(t, err)

	encoded, err := enc.Encrypt("super-secret-password")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-password", encoded)

	decoded, err := enc.Decrypt(encoded)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-password", decoded)
}

func TestEncryptProducesDifferentCiphertextEachTime(t *testing.T) {
	enc, err := newEncryptor(t.TempDir())
	require.NoError(t, err)

	a, err := enc.Encrypt("same-value")
	require.NoError(t, err)
	b, err := enc.Encrypt("same-value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must differ between calls")
}

func TestNewEncryptorPersistsAndReusesSalt(t *testing.T) {
	dir := t.TempDir()

	enc1, err := newEncryptor(dir)
	require.NoError(t, err)
	encoded, err := enc1.Encrypt("value")
	require.NoError(t, err)

	enc2, err := newEncryptor(dir)
	require.NoError(t, err)
	decoded, err := enc2.Decrypt(encoded)
	require.NoError(t, err)
	assert.Equal(t, "value", decoded)

	assert.FileExists(t, filepath.Join(dir, saltFileName))
}

func TestDifferentDataDirsProduceIncompatibleKeys(t *testing.T) {
	encA, err := newEncryptor(t.TempDir())
	require.NoError(t, err)
	encB, err := newEncryptor(t.TempDir())
	require.NoError(t, err)

	encoded, err := encA.Encrypt("value")
	require.NoError(t, err)

	_, err = encB.Decrypt(encoded)
	assert.Error(t, err)
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	enc, err := newEncryptor(t.TempDir())
	require.NoError(t, err)
	_, err = enc.Decrypt("dG9vc2hvcnQ=") // base64("tooshort"), shorter than nonce size
	assert.Error(t, err)
}

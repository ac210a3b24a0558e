package keyexchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := EncodeUTF16LE("hunter2")

	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	unsealed, err := Unseal(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, unsealed)
}

func TestSealRejectsWrongKeyLength(t *testing.T) {
	_, err := Seal(make([]byte, 16), []byte("x"))
	assert.Error(t, err)
}

func TestUnsealRejectsNonBlockMultiple(t *testing.T) {
	key := make([]byte, 32)
	_, err := Unseal(key, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPKCS7UnpadRejectsBadPadding(t *testing.T) {
	_, err := pkcs7Unpad([]byte{1, 2, 3, 0})
	assert.Error(t, err)

	_, err = pkcs7Unpad([]byte{})
	assert.Error(t, err)
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 32} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		assert.Equal(t, 0, len(padded)%16)
		unpadded, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, data, unpadded)
	}
}

func TestUTF16LERoundTrip(t *testing.T) {
	for _, s := range []string{"", "hello", "🌍world"} {
		encoded := EncodeUTF16LE(s)
		decoded, err := DecodeUTF16LE(encoded)
		require.NoError(t, err)
		assert.Equal(t, s, decoded)
	}
}

func TestDecodeUTF16LERejectsOddLength(t *testing.T) {
	_, err := DecodeUTF16LE([]byte{1, 2, 3})
	assert.Error(t, err)
}

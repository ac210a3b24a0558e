package keyexchange

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Given a 2048-bit modulus and exponent 0x10001, the blob has an exact
// byte layout.
func TestEncodeCAPIBlobLayout(t *testing.T) {
	modulus := make([]byte, 256)
	for i := range modulus {
		modulus[i] = byte(i + 1)
	}
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: 0x10001}

	blobB64, err := EncodeCAPIBlob(pub)
	require.NoError(t, err)

	blob, err := base64.StdEncoding.DecodeString(blobB64)
	require.NoError(t, err)
	require.Len(t, blob, 4+4+4+4+4+256)

	assert.Equal(t, []byte{0x06, 0x02, 0x00, 0x00}, blob[0:4])
	assert.Equal(t, []byte{0x00, 0xA4, 0x00, 0x00}, blob[4:8])
	assert.Equal(t, []byte("RSA1"), blob[8:12])
	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x00}, blob[12:16]) // 2048 LE
	assert.Equal(t, []byte{0x01, 0x00, 0x01, 0x00}, blob[16:20]) // 0x10001 LE

	wantModulus := make([]byte, 256)
	for i, b := range modulus {
		wantModulus[255-i] = b
	}
	assert.Equal(t, wantModulus, blob[20:276])
}

func TestEncodeCAPIBlobSmallExponent(t *testing.T) {
	// A single-byte exponent (e.g. 3) must still be right-justified into
	// the 4-byte LE field.
	pub := &rsa.PublicKey{N: new(big.Int).Lsh(big.NewInt(1), 2047), E: 3}
	blobB64, err := EncodeCAPIBlob(pub)
	require.NoError(t, err)
	blob, err := base64.StdEncoding.DecodeString(blobB64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, blob[16:20])
}

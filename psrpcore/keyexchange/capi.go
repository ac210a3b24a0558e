// Package keyexchange implements the PSRP session-key exchange
// (MS-PSRP 2.2.2.3/2.2.2.4): the RSA keypair, the Windows CAPI
// public-key blob, and SecureString sealing under the resulting AES-256
// session key.
package keyexchange

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// capiMagic, capiKeyType, capiKeyAlg are the fixed CAPI BLOBHEADER fields
// for an RSA1 public-key blob (MS-PSRP 2.2.5.2 PUBLICKEYBLOB).
var (
	capiMagic  = []byte{0x06, 0x02, 0x00, 0x00}
	capiKeyType = []byte{0x00, 0xA4, 0x00, 0x00}
	capiKeyAlg  = []byte("RSA1")
)

// EncodeCAPIBlob renders pub as a base64 Windows CAPI RSA public-key blob:
// magic, key type, "RSA1", bit length, exponent (4 bytes LE, right
// justified), then the modulus in little-endian byte order.
func EncodeCAPIBlob(pub *rsa.PublicKey) (string, error) {
	modulus := pub.N.Bytes() // big-endian, as big.Int.Bytes() always is
	bitLen := len(modulus) * 8

	var buf []byte
	buf = append(buf, capiMagic...)
	buf = append(buf, capiKeyType...)
	buf = append(buf, capiKeyAlg...)

	bitLenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(bitLenBytes, uint32(bitLen))
	buf = append(buf, bitLenBytes...)

	expBytes := make([]byte, 4)
	e := big32(pub.E)
	if len(e) > 4 {
		return "", fmt.Errorf("keyexchange: exponent too large for CAPI blob")
	}
	copy(expBytes[4-len(e):], e) // right-justified big-endian source bytes
	// expBytes currently holds the exponent in big-endian within a 4-byte
	// field; CAPI wants it little-endian.
	reverseInPlace(expBytes)
	buf = append(buf, expBytes...)

	// Modulus: little-endian byte order.
	leModulus := make([]byte, len(modulus))
	copy(leModulus, modulus)
	reverseInPlace(leModulus)
	buf = append(buf, leModulus...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

func big32(v int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	// Trim leading zero bytes so the "right-justified" copy in
	// EncodeCAPIBlob lines up correctly for exponents smaller than 4 bytes
	// (e.g. 0x10001 is 3 significant bytes).
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	return b[i:]
}

func reverseInPlace(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

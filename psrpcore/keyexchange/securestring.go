package keyexchange

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"unicode/utf16"

	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// zeroIV is the 16-byte all-zero initialization vector PSRP uses for
// SecureString sealing under the established session key.
var zeroIV = make([]byte, aes.BlockSize)

// Seal encrypts plaintext (a SecureString's UTF-16LE bytes) under key using
// AES-256-CBC with a zero IV and PKCS#7 padding, as MS-PSRP 2.2.5.1.24
// requires for SecureString payloads.
func Seal(key []byte, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("keyexchange: session key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: new cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, zeroIV)
	mode.CryptBlocks(out, padded)
	return out, nil
}

// Unseal reverses Seal.
func Unseal(key []byte, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("keyexchange: session key must be 32 bytes, got %d", len(key))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("keyexchange: ciphertext not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: new cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, zeroIV)
	mode.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// EncodeUTF16LE renders s as UTF-16LE bytes, the plaintext form a
// SecureString is sealed from.
func EncodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out
}

// DecodeUTF16LE reverses EncodeUTF16LE.
func DecodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("keyexchange: odd UTF-16LE byte length %d", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("keyexchange: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("keyexchange: invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("keyexchange: invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// ContainsSecureString reports whether any SecureString primitive occurs
// in v, including inside properties and containers.
func ContainsSecureString(v serialization.PsValue) bool {
	switch val := v.(type) {
	case serialization.Primitive:
		return val.Kind == serialization.KindSecureString
	case *serialization.ComplexObject:
		found := false
		val.Extended.Each(func(_ string, pv serialization.PsValue) {
			if ContainsSecureString(pv) {
				found = true
			}
		})
		val.Adapted.Each(func(_ string, pv serialization.PsValue) {
			if ContainsSecureString(pv) {
				found = true
			}
		})
		if found {
			return true
		}
		switch content := val.Content.(type) {
		case serialization.ExtendedPrimitiveContent:
			return content.Value.Kind == serialization.KindSecureString
		case serialization.ContainerContent:
			for _, item := range content.Container.Items {
				if ContainsSecureString(item) {
					return true
				}
			}
			for _, entry := range content.Container.Entries {
				if ContainsSecureString(entry.Key) || ContainsSecureString(entry.Value) {
					return true
				}
			}
		}
	}
	return false
}

// SealTree rewrites every SecureString primitive in v, replacing its
// plaintext UTF-16LE bytes with the AES-256-CBC ciphertext under key,
// and returns the (possibly replaced) value. Sending a SecureString with
// no established session key is an error.
func SealTree(v serialization.PsValue, key []byte) (serialization.PsValue, error) {
	switch val := v.(type) {
	case serialization.Primitive:
		if val.Kind != serialization.KindSecureString {
			return val, nil
		}
		sealed, err := Seal(key, val.Bin)
		if err != nil {
			return nil, err
		}
		val.Bin = sealed
		return val, nil
	case *serialization.ComplexObject:
		var sealErr error
		reseal := func(m interface {
			Each(func(string, serialization.PsValue))
			Set(string, serialization.PsValue)
		}) {
			m.Each(func(name string, pv serialization.PsValue) {
				if sealErr != nil {
					return
				}
				out, err := SealTree(pv, key)
				if err != nil {
					sealErr = err
					return
				}
				m.Set(name, out)
			})
		}
		reseal(val.Extended)
		reseal(val.Adapted)
		if sealErr != nil {
			return nil, sealErr
		}
		switch content := val.Content.(type) {
		case serialization.ExtendedPrimitiveContent:
			out, err := SealTree(content.Value, key)
			if err != nil {
				return nil, err
			}
			content.Value = out.(serialization.Primitive)
			val.Content = content
		case serialization.ContainerContent:
			for i, item := range content.Container.Items {
				out, err := SealTree(item, key)
				if err != nil {
					return nil, err
				}
				content.Container.Items[i] = out
			}
			for i, entry := range content.Container.Entries {
				k, err := SealTree(entry.Key, key)
				if err != nil {
					return nil, err
				}
				vv, err := SealTree(entry.Value, key)
				if err != nil {
					return nil, err
				}
				content.Container.Entries[i] = serialization.DictEntry{Key: k, Value: vv}
			}
			val.Content = content
		}
		return val, nil
	}
	return v, nil
}

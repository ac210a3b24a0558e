package sealer

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider lets tests drive Seal/Unseal without a real GSS context.
type fakeProvider struct {
	wrapFunc   func([]byte) ([]byte, error)
	unwrapFunc func([]byte) ([]byte, error)
}

func (f *fakeProvider) Wrap(plaintext []byte) ([]byte, error) { return f.wrapFunc(plaintext) }
func (f *fakeProvider) Unwrap(sealed []byte) ([]byte, error)  { return f.unwrapFunc(sealed) }

// A well-formed multipart body with a 16-byte verifier token and a
// 32-byte ciphertext yields exactly the 4-byte LE length followed by the
// 16 token bytes and the 32 ciphertext bytes.
func TestExtractBinaryPayload(t *testing.T) {
	token := bytes.Repeat([]byte{0xAA}, 16)
	ciphertext := bytes.Repeat([]byte{0xBB}, 32)
	sealed := JoinSealed(token, ciphertext)
	require.Equal(t, []byte{0x10, 0x00, 0x00, 0x00}, sealed[:4])

	body := buildMultipart(sealed, 123)

	got, err := ExtractBinaryPayload(body)
	require.NoError(t, err)
	assert.Equal(t, sealed, got)

	gotToken, gotCiphertext, err := SplitSealed(got)
	require.NoError(t, err)
	assert.Equal(t, token, gotToken)
	assert.Equal(t, ciphertext, gotCiphertext)
}

func TestExtractBinaryPayload_Malformed(t *testing.T) {
	_, err := ExtractBinaryPayload([]byte("not a multipart body at all"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFramed)
}

func TestBuildMultipart_ContainsOriginalContentHeader(t *testing.T) {
	body := buildMultipart([]byte{1, 2, 3}, 999)
	assert.Contains(t, string(body), "OriginalContent: type=application/soap+xml;charset=UTF-8;Length=999")
	assert.True(t, bytes.HasPrefix(body, []byte(Boundary)))
}

func TestExtractBinaryPayload_EmptySealed(t *testing.T) {
	body := buildMultipart([]byte{}, 0)
	extracted, err := ExtractBinaryPayload(body)
	require.NoError(t, err)
	assert.Empty(t, extracted)
}

func TestSeal_RoundTrip(t *testing.T) {
	var lastWrapped []byte
	provider := &fakeProvider{
		wrapFunc: func(plaintext []byte) ([]byte, error) {
			lastWrapped = JoinSealed([]byte("tok"), plaintext)
			return lastWrapped, nil
		},
		unwrapFunc: func(sealed []byte) ([]byte, error) {
			_, ciphertext, err := SplitSealed(sealed)
			return ciphertext, err
		},
	}

	s := New(provider)
	body, contentType, err := s.Seal([]byte("hello soap"))
	require.NoError(t, err)
	assert.Equal(t, ContentType, contentType)

	plaintext, err := s.Unseal(body)
	require.NoError(t, err)
	assert.Equal(t, "hello soap", string(plaintext))
}

func TestSeal_BypassWithoutProvider(t *testing.T) {
	s := New(nil)
	assert.False(t, s.Enabled())

	body, contentType, err := s.Seal([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, OriginalContentType, contentType)
	assert.Equal(t, "plain", string(body))
}

// After 2^32-1 encrypts the next sequence number wraps to 0.
func TestSequenceWrap(t *testing.T) {
	provider := &fakeProvider{
		wrapFunc: func(plaintext []byte) ([]byte, error) {
			return JoinSealed(nil, plaintext), nil
		},
	}
	s := New(provider)
	s.sendSeq = math.MaxUint32

	_, _, err := s.Seal([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s.SendSeq())
}

func TestSequenceWrap_Monotonic(t *testing.T) {
	provider := &fakeProvider{
		wrapFunc: func(plaintext []byte) ([]byte, error) {
			return JoinSealed(nil, plaintext), nil
		},
	}
	s := New(provider)
	for i := uint32(0); i < 5; i++ {
		_, _, err := s.Seal([]byte("x"))
		require.NoError(t, err)
		assert.Equal(t, i+1, s.SendSeq())
	}
}

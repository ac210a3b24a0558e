package fragments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentEncodeDecodeRoundTrip(t *testing.T) {
	f := New(7, 3, []byte("hello"), true, false)
	encoded := f.Encode()
	assert.Len(t, encoded, HeaderSize+5)

	decoded, rest, err := Decode(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, f, decoded)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, _, err := Decode(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	f := New(1, 0, []byte("0123456789"), true, true)
	encoded := f.Encode()
	_, _, err := Decode(encoded[:len(encoded)-3])
	assert.Error(t, err)
}

func TestDecodeLeavesRemainder(t *testing.T) {
	a := New(1, 0, []byte("aaa"), true, true).Encode()
	b := New(2, 0, []byte("bb"), true, true).Encode()

	f1, rest, err := Decode(append(append([]byte(nil), a...), b...))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.ObjectID)

	f2, rest2, err := Decode(rest)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f2.ObjectID)
	assert.Empty(t, rest2)
}

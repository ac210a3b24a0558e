package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePSEscapesCRLF(t *testing.T) {
	assert.Equal(t, "Line1\r\nLine2", DecodePSEscapes("Line1_x000D__x000A_Line2"))
}

func TestDecodePSEscapesSurrogatePairJoins(t *testing.T) {
	assert.Equal(t, "🌍", DecodePSEscapes("_xD83C__xDF0D_"))
}

func TestDecodePSEscapesUnpairedHighSurrogatePreserved(t *testing.T) {
	decoded := DecodePSEscapes("a_xD800_b")
	assert.Contains(t, decoded, "a")
	assert.Contains(t, decoded, "b")
	// An unpaired surrogate is not a valid standalone rune, but it must
	// not be dropped or turned into something else entirely.
	assert.NotEqual(t, "ab", decoded)
}

func TestDecodePSEscapesInvalidHexLeftVerbatim(t *testing.T) {
	assert.Equal(t, "_xZZZZ_", DecodePSEscapes("_xZZZZ_"))
}

func TestDecodePSEscapesIdempotent(t *testing.T) {
	for _, s := range []string{
		"plain text",
		"Line1_x000D__x000A_Line2",
		"_xD83C__xDF0D_ and _x0041_",
		"_xZZZZ_ garbage",
	} {
		once := DecodePSEscapes(s)
		twice := DecodePSEscapes(once)
		assert.Equal(t, once, twice, "not idempotent for %q", s)
	}
}

func TestEncodeDecodeRoundTripControlChars(t *testing.T) {
	s := "a\r\nb\x01c"
	encoded := EncodePSEscapes(s)
	assert.Equal(t, s, DecodePSEscapes(encoded))
}

func TestEncodeDecodeRoundTripAstralChar(t *testing.T) {
	s := "before🌍after"
	encoded := EncodePSEscapes(s)
	assert.Equal(t, s, DecodePSEscapes(encoded))
}

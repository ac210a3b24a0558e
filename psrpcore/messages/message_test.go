package messages

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Destination: DestinationServer,
		Type:        MessageTypeSessionCapability,
		RunspaceID:  uuid.New(),
		PipelineID:  uuid.New(),
		Data:        []byte("payload"),
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+len("payload"), len(encoded))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg.Destination, decoded.Destination)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.RunspaceID, decoded.RunspaceID)
	assert.Equal(t, msg.PipelineID, decoded.PipelineID)
	assert.Equal(t, msg.Data, decoded.Data)
}

func TestMessageEncodeRejectsUnknownDestination(t *testing.T) {
	msg := &Message{Destination: Destination(99), Type: MessageTypeSessionCapability}
	_, err := msg.Encode()
	assert.Error(t, err)
}

func TestMessageEncodeRejectsUnknownType(t *testing.T) {
	msg := &Message{Destination: DestinationClient, Type: Type(0xDEADBEEF)}
	_, err := msg.Encode()
	assert.Error(t, err)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	msg := &Message{Destination: DestinationClient, Type: MessageTypeSessionCapability}
	encoded, err := msg.Encode()
	require.NoError(t, err)
	// Corrupt the type field (bytes 4:8) to an unregistered value.
	encoded[4], encoded[5], encoded[6], encoded[7] = 0xFF, 0xFF, 0xFF, 0x7F
	_, err = Decode(encoded)
	assert.Error(t, err)
}

func TestDecodeAllowsEmptyData(t *testing.T) {
	msg := &Message{Destination: DestinationServer, Type: MessageTypePublicKeyRequest}
	encoded, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded.Data)
}

func TestTypeKnownAndString(t *testing.T) {
	assert.True(t, MessageTypeSessionCapability.Known())
	assert.Equal(t, "SessionCapability", MessageTypeSessionCapability.String())

	unknown := Type(0x12345678)
	assert.False(t, unknown.Known())
	assert.Contains(t, unknown.String(), "0x12345678")
}

func TestDestinationString(t *testing.T) {
	assert.Equal(t, "Client", DestinationClient.String())
	assert.Equal(t, "Server", DestinationServer.String())
	assert.Contains(t, Destination(7).String(), "7")
}

// TestGUIDWireLayoutRoundTrip exercises the .NET mixed-endian Guid layout
// the header's rpid/pid fields use: the first three fields reverse to
// little-endian, the last eight bytes pass through unchanged.
func TestGUIDWireLayoutRoundTrip(t *testing.T) {
	id := uuid.New()
	b := guidBytes(id)
	require.Len(t, b, 16)

	back, err := guidFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestGUIDBytesLayoutIsMixedEndian(t *testing.T) {
	// A known UUID lets us assert the exact byte reversal rather than
	// only round-tripping.
	id := uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10")
	b := guidBytes(id)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0x06, 0x05, 0x08, 0x07, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}, b)
}

func TestGUIDFromBytesRejectsWrongLength(t *testing.T) {
	_, err := guidFromBytes(make([]byte, 15))
	assert.Error(t, err)
}

package runspace

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingate-labs/psrp-go/psrpcore/fragments"
	"github.com/wingate-labs/psrp-go/psrpcore/hostcall"
	"github.com/wingate-labs/psrp-go/psrpcore/messages"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// decodeCAPIBlob reverses EncodeCAPIBlob's layout, so a test can recover
// the RSA public key the pool generated and encrypt a session key under
// it, without the production code needing a decoder of its own.
func decodeCAPIBlob(t *testing.T, blobBase64 string) *rsa.PublicKey {
	t.Helper()
	blob, err := base64.StdEncoding.DecodeString(blobBase64)
	require.NoError(t, err)
	require.True(t, len(blob) > 20)

	expBytes := append([]byte(nil), blob[16:20]...)
	for i, j := 0, len(expBytes)-1; i < j; i, j = i+1, j-1 {
		expBytes[i], expBytes[j] = expBytes[j], expBytes[i]
	}
	exponent := new(big.Int).SetBytes(expBytes).Int64()

	modulus := append([]byte(nil), blob[20:]...)
	for i, j := 0, len(modulus)-1; i < j; i, j = i+1, j-1 {
		modulus[i], modulus[j] = modulus[j], modulus[i]
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(exponent)}
}

// mockTransport is a one-directional-enough io.ReadWriter for driving a
// Pool in tests: writes are recorded, reads are served from a
// pre-populated buffer the test fills with server-side fragments.
type mockTransport struct {
	sent   bytes.Buffer
	toRead bytes.Buffer
}

func (m *mockTransport) Write(p []byte) (int, error) { return m.sent.Write(p) }
func (m *mockTransport) Read(p []byte) (int, error)  { return m.toRead.Read(p) }

func encodeMessage(t *testing.T, rpid uuid.UUID, msgType messages.Type, data []byte) []byte {
	t.Helper()
	msg := &messages.Message{
		Destination: messages.DestinationClient,
		Type:        msgType,
		RunspaceID:  rpid,
		PipelineID:  uuid.Nil,
		Data:        data,
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)
	return encoded
}

func queueMessage(t *testing.T, mt *mockTransport, rpid uuid.UUID, msgType messages.Type, data []byte) {
	t.Helper()
	encoded := encodeMessage(t, rpid, msgType, data)
	fragmenter := fragments.NewFragmenter(32 * 1024)
	for _, f := range fragmenter.Fragment(encoded) {
		mt.toRead.Write(f.Encode())
	}
}

func runspacePoolStatePayload(t *testing.T, state messages.RunspacePoolState) []byte {
	t.Helper()
	obj := serialization.NewComplexObject()
	obj.Extended.Set("RunspaceState", serialization.I32(int32(state)))
	e := serialization.NewEmitter()
	data, err := e.EmitDocument(obj)
	require.NoError(t, err)
	return data
}

func availabilityPayload(t *testing.T, n int64) []byte {
	t.Helper()
	obj := serialization.NewComplexObject()
	obj.Extended.Set("SetMinMaxRunspacesResponse", serialization.I64(n))
	e := serialization.NewEmitter()
	data, err := e.EmitDocument(obj)
	require.NoError(t, err)
	return data
}

func buildHostCallData(t *testing.T, callID int64, methodID hostcall.MethodID) []byte {
	t.Helper()
	obj := serialization.NewComplexObject()
	obj.Extended.Set("ci", serialization.I64(callID))
	obj.Extended.Set("mi", serialization.I32(int32(methodID)))
	params := serialization.NewComplexObject()
	params.Content = serialization.ContainerContent{Container: serialization.Container{Kind: serialization.ContainerList}}
	obj.Extended.Set("mp", params)
	e := serialization.NewEmitter()
	data, err := e.EmitDocument(obj)
	require.NoError(t, err)
	return data
}

func encodeSessionKeyPayload(t *testing.T, blobBase64 string) []byte {
	t.Helper()
	obj := serialization.NewComplexObject()
	obj.Extended.Set("EncryptedSessionKey", serialization.Str(blobBase64))
	e := serialization.NewEmitter()
	data, err := e.EmitDocument(obj)
	require.NoError(t, err)
	return data
}

// buildSessionKeyBlob encrypts a 32-byte session key under pub, matching
// the shape (12 bytes of header + 256-byte RSA-PKCS1v15 ciphertext) a
// real server sends.
func buildSessionKeyBlob(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	sessionKey := make([]byte, 32)
	for i := range sessionKey {
		sessionKey[i] = byte(i)
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, sessionKey)
	require.NoError(t, err)
	blob := make([]byte, 12+len(ciphertext))
	copy(blob[12:], ciphertext)
	return base64.StdEncoding.EncodeToString(blob)
}

// Sending the SessionCapability + InitRunspacePool handshake and
// reaching Opened once the server reports RunspacePoolState=Opened.
func TestPoolOpenHandshake(t *testing.T) {
	mt := &mockTransport{}
	id := uuid.New()
	pool := New(mt, id)

	queueMessage(t, mt, id, messages.MessageTypeRunspacePoolState, runspacePoolStatePayload(t, messages.RunspacePoolStateOpened))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Open(ctx))
	assert.Equal(t, messages.RunspacePoolStateOpened, pool.State())
	assert.True(t, mt.sent.Len() > 0, "handshake fragments must have been written")
}

func TestPoolOpenReportsBroken(t *testing.T) {
	mt := &mockTransport{}
	id := uuid.New()
	pool := New(mt, id)

	queueMessage(t, mt, id, messages.MessageTypeRunspacePoolState, runspacePoolStatePayload(t, messages.RunspacePoolStateBroken))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := pool.Open(ctx)
	assert.ErrorIs(t, err, ErrPoolBroken)
}

func TestPoolOpenContextCancellation(t *testing.T) {
	mt := &mockTransport{}
	pool := New(mt, uuid.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Open(ctx)
	assert.Error(t, err)
}

// Creating a pipeline on a pool that never opened must fail cleanly.
func TestCreatePipelineRequiresOpenState(t *testing.T) {
	mt := &mockTransport{}
	pool := New(mt, uuid.New())
	_, err := pool.CreatePipeline("Get-Process")
	assert.ErrorIs(t, err, ErrPoolNotOpened)
}

// Once a pipeline is detached, the pipelines map no longer contains its
// id.
func TestDetachPipelineRemovesRouting(t *testing.T) {
	mt := &mockTransport{}
	pool := New(mt, uuid.New())
	fake := &fakePipeliner{id: uuid.New()}
	pool.AttachPipeline(fake)
	assert.Contains(t, pool.GetActivePipelineIDs(), fake.id)

	pool.DetachPipeline(fake.id)
	assert.NotContains(t, pool.GetActivePipelineIDs(), fake.id)
}

type fakePipeliner struct {
	id      uuid.UUID
	handled []*messages.Message
	failed  error
}

func (f *fakePipeliner) ID() uuid.UUID { return f.id }
func (f *fakePipeliner) HandleMessage(msg *messages.Message) error {
	f.handled = append(f.handled, msg)
	return nil
}
func (f *fakePipeliner) Fail(err error) { f.failed = err }

// A host call involving a SecureString is queued, a PublicKey message
// goes out, and once EncryptedSessionKey arrives the deferred call is
// released into pendingHostCalls.
func TestHandleHostCallDefersSecureStringUntilKeyExchange(t *testing.T) {
	mt := &mockTransport{}
	id := uuid.New()
	pool := New(mt, id)
	pool.state = messages.RunspacePoolStateOpened

	callData := buildHostCallData(t, 1, hostcall.MethodReadLineAsSecureString)
	err := pool.handleHostCall(context.Background(), &messages.Message{
		Destination: messages.DestinationClient,
		Type:        messages.MessageTypeRunspacepoolHostCall,
		RunspaceID:  id,
		Data:        callData,
	})
	require.NoError(t, err)

	assert.Empty(t, pool.DrainHostCalls(), "secure-string call must not surface until key exchange completes")
	assert.True(t, pool.keys.Pending())
	assert.True(t, mt.sent.Len() > 0, "PublicKey message should have been sent")

	pubBlob, err := pool.keys.PublicKeyBlob()
	require.NoError(t, err)
	pub := decodeCAPIBlob(t, pubBlob)
	blob := buildSessionKeyBlob(t, pub)
	require.NoError(t, pool.handleEncryptedSessionKey(encodeSessionKeyPayload(t, blob)))

	released := pool.DrainHostCalls()
	require.Len(t, released, 1)
	assert.Equal(t, hostcall.MethodReadLineAsSecureString, released[0].MethodID)
	assert.True(t, pool.keys.HasSessionKey())
}

func TestHandleHostCallSurfacesNonSecureCallImmediately(t *testing.T) {
	mt := &mockTransport{}
	id := uuid.New()
	pool := New(mt, id)

	callData := buildHostCallData(t, 1, hostcall.MethodWriteLine2)
	require.NoError(t, pool.handleHostCall(context.Background(), &messages.Message{
		Type:       messages.MessageTypeRunspacepoolHostCall,
		RunspaceID: id,
		Data:       callData,
	}))

	released := pool.DrainHostCalls()
	require.Len(t, released, 1)
	assert.Equal(t, hostcall.MethodWriteLine2, released[0].MethodID)
}

func TestSendGetAvailableRunspacesUpdatesAvailability(t *testing.T) {
	mt := &mockTransport{}
	id := uuid.New()
	pool := New(mt, id)

	queueMessage(t, mt, id, messages.MessageTypeRunspaceAvailability, availabilityPayload(t, 3))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.SendGetAvailableRunspaces(ctx))
	assert.Equal(t, int32(3), pool.AvailableRunspaces())
}

func TestSetMinMaxRunspacesRejectedAfterOpen(t *testing.T) {
	pool := New(&mockTransport{}, uuid.New())
	pool.state = messages.RunspacePoolStateOpened
	assert.Error(t, pool.SetMinRunspaces(2))
	assert.Error(t, pool.SetMaxRunspaces(10))
}

func TestDisconnectFromOpenedSucceeds(t *testing.T) {
	pool := New(&mockTransport{}, uuid.New())
	pool.state = messages.RunspacePoolStateOpened
	require.NoError(t, pool.Disconnect())
	assert.Equal(t, messages.RunspacePoolStateDisconnected, pool.State())
}

func TestDisconnectFromBrokenFails(t *testing.T) {
	pool := New(&mockTransport{}, uuid.New())
	pool.state = messages.RunspacePoolStateBroken
	assert.Error(t, pool.Disconnect())
}

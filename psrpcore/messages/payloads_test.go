package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

func TestSessionCapabilityRoundTrip(t *testing.T) {
	data := EncodeSessionCapability("2.3", "5.1.19041.1", "1.1.0.1")
	version, err := DecodeSessionCapability(data)
	require.NoError(t, err)
	assert.Equal(t, "2.3", version)
}

func TestDecodeSessionCapabilityMissingField(t *testing.T) {
	data := emitOne(serialization.NewComplexObject())
	_, err := DecodeSessionCapability(data)
	assert.Error(t, err)
}

func TestRunspacePoolStateRoundTrip(t *testing.T) {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("RunspaceState", serialization.I32(int32(RunspacePoolStateOpened)))
	data := emitOne(obj)

	state, err := DecodeRunspacePoolState(data)
	require.NoError(t, err)
	assert.Equal(t, RunspacePoolStateOpened, state)
}

func TestPipelineStateRoundTrip(t *testing.T) {
	data := EncodePipelineState(PipelineStateCompleted)
	state, err := DecodePipelineState(data)
	require.NoError(t, err)
	assert.Equal(t, PipelineStateCompleted, state)
	assert.True(t, state.IsTerminal())
}

func TestPipelineStateNotStartedIsNotTerminal(t *testing.T) {
	assert.False(t, PipelineStateNotStarted.IsTerminal())
	assert.False(t, PipelineStateRunning.IsTerminal())
}

func TestRunspaceAvailabilityRoundTrip(t *testing.T) {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("SetMinMaxRunspacesResponse", serialization.I32(4))
	data := emitOne(obj)

	n, err := DecodeRunspaceAvailability(data)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestDecodeRunspaceAvailabilityMissingField(t *testing.T) {
	data := emitOne(serialization.NewComplexObject())
	_, err := DecodeRunspaceAvailability(data)
	assert.Error(t, err)
}

func TestEncryptedSessionKeyRoundTrip(t *testing.T) {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("EncryptedSessionKey", serialization.Str("base64blob=="))
	data := emitOne(obj)

	blob, err := DecodeEncryptedSessionKey(data)
	require.NoError(t, err)
	assert.Equal(t, "base64blob==", blob)
}

func TestEncodeCreatePipelineProducesParseableEnvelope(t *testing.T) {
	data := EncodeCreatePipeline("Get-Process")
	obj, err := parseObjPayload(data)
	require.NoError(t, err)
	_, ok := obj.Extended.Get("PowerShell")
	assert.True(t, ok)
}

func TestEncodeInitRunspacePoolCarriesRunspaceRange(t *testing.T) {
	data := EncodeInitRunspacePool(1, 5)
	obj, err := parseObjPayload(data)
	require.NoError(t, err)

	n, ok := propInt32(obj, "MinRunspaces")
	require.True(t, ok)
	assert.Equal(t, int32(1), n)

	n, ok = propInt32(obj, "MaxRunspaces")
	require.True(t, ok)
	assert.Equal(t, int32(5), n)
}

func TestEncodeSetMaxMinRunspacesCarryCallID(t *testing.T) {
	maxData := EncodeSetMaxRunspaces(42, 10)
	obj, err := parseObjPayload(maxData)
	require.NoError(t, err)
	n, ok := propInt32(obj, "MaxRunspaces")
	require.True(t, ok)
	assert.Equal(t, int32(10), n)

	minData := EncodeSetMinRunspaces(42, 1)
	obj, err = parseObjPayload(minData)
	require.NoError(t, err)
	n, ok = propInt32(obj, "MinRunspaces")
	require.True(t, ok)
	assert.Equal(t, int32(1), n)
}

func TestEncodePublicKeyRoundTrip(t *testing.T) {
	data := EncodePublicKey("blobbase64")
	obj, err := parseObjPayload(data)
	require.NoError(t, err)
	v, ok := obj.Extended.Get("PublicKey")
	require.True(t, ok)
	p, ok := v.(serialization.Primitive)
	require.True(t, ok)
	assert.Equal(t, "blobbase64", p.Text)
}

func TestEncodeCreatePipelineCommandsCarriesParameters(t *testing.T) {
	data := EncodeCreatePipelineCommands([]Command{
		{Text: "Get-ChildItem", Parameters: []CommandParameter{
			{Name: "Path", Value: serialization.Str(`C:\`)},
			{Name: "Recurse"}, // switch
		}},
		{Text: "Select-Object", Parameters: []CommandParameter{
			{Name: "First", Value: serialization.I32(5)},
		}},
	})

	payload := string(data)
	assert.Contains(t, payload, "Get-ChildItem")
	assert.Contains(t, payload, "Select-Object")
	assert.Contains(t, payload, "Recurse")

	values, err := serialization.ParseDocument(data)
	require.NoError(t, err)
	require.Len(t, values, 1)

	obj := values[0].(*serialization.ComplexObject)
	ps, ok := obj.Extended.Get("PowerShell")
	require.True(t, ok)
	cmds, ok := ps.(*serialization.ComplexObject).Extended.Get("Cmds")
	require.True(t, ok)
	container := cmds.(*serialization.ComplexObject).Content.(serialization.ContainerContent)
	assert.Len(t, container.Container.Items, 2)
}

func TestEncodeCreatePipelineSingleScriptCommand(t *testing.T) {
	data := EncodeCreatePipeline("Get-Process")

	values, err := serialization.ParseDocument(data)
	require.NoError(t, err)
	obj := values[0].(*serialization.ComplexObject)
	ps, _ := obj.Extended.Get("PowerShell")
	cmds, _ := ps.(*serialization.ComplexObject).Extended.Get("Cmds")
	container := cmds.(*serialization.ComplexObject).Content.(serialization.ContainerContent)
	require.Len(t, container.Container.Items, 1)

	command := container.Container.Items[0].(*serialization.ComplexObject)
	text, ok := command.Extended.Get("Cmd")
	require.True(t, ok)
	assert.Equal(t, "Get-Process", text.(serialization.Primitive).Text)
	isScript, ok := command.Extended.Get("IsScript")
	require.True(t, ok)
	assert.Equal(t, "true", isScript.(serialization.Primitive).Text)
}

package hostcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

func buildCallPayload(t *testing.T, callID int64, methodID MethodID, params []serialization.PsValue) []byte {
	t.Helper()
	obj := serialization.NewComplexObject()
	obj.Extended.Set("ci", serialization.I64(callID))
	obj.Extended.Set("mi", serialization.I32(int32(methodID)))

	paramsObj := serialization.NewComplexObject()
	paramsObj.Content = serialization.ContainerContent{Container: serialization.Container{
		Kind:  serialization.ContainerList,
		Items: params,
	}}
	obj.Extended.Set("mp", paramsObj)

	e := serialization.NewEmitter()
	data, err := e.EmitDocument(obj)
	require.NoError(t, err)
	return data
}

func TestDecodeCallRoundTrip(t *testing.T) {
	pipelineID := "pipe-1"
	data := buildCallPayload(t, 5, MethodWriteLine2, []serialization.PsValue{serialization.Str("hi")})

	call, err := DecodeCall(data, &pipelineID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), call.CallID)
	assert.Equal(t, MethodWriteLine2, call.MethodID)
	require.Len(t, call.Params, 1)
	assert.Equal(t, "hi", call.Params[0].(serialization.Primitive).Text)
	assert.Equal(t, &pipelineID, call.PipelineID)
}

func TestEncodeResponseWithResult(t *testing.T) {
	resp := Response{CallID: 1, MethodID: MethodReadLine, Result: serialization.Str("answer")}
	data := EncodeResponse(resp)

	values, err := serialization.ParseDocument(data)
	require.NoError(t, err)
	obj := values[0].(*serialization.ComplexObject)
	v, ok := obj.Extended.Get("mr")
	require.True(t, ok)
	assert.Equal(t, "answer", v.(serialization.Primitive).Text)
	_, hasErr := obj.Extended.Get("me")
	assert.False(t, hasErr)
}

func TestEncodeResponseWithError(t *testing.T) {
	errMsg := "something failed"
	resp := Response{CallID: 1, MethodID: MethodReadLine, Error: &errMsg}
	data := EncodeResponse(resp)

	values, err := serialization.ParseDocument(data)
	require.NoError(t, err)
	obj := values[0].(*serialization.ComplexObject)
	v, ok := obj.Extended.Get("me")
	require.True(t, ok)
	assert.Equal(t, errMsg, v.(serialization.Primitive).Text)
}

func TestDecodeCallRejectsEmptyPayload(t *testing.T) {
	_, err := DecodeCall(nil, nil)
	assert.Error(t, err)
}

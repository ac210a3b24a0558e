package hostcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

func TestMethodIDString(t *testing.T) {
	assert.Equal(t, "GetName", MethodGetName.String())
	assert.Equal(t, "ReadLineAsSecureString", MethodReadLineAsSecureString.String())
	assert.Equal(t, "Unknown", MethodID(9999).String())
}

func TestInvolvesSecureStringDirectMethods(t *testing.T) {
	assert.True(t, Call{MethodID: MethodReadLineAsSecureString}.InvolvesSecureString())
	assert.True(t, Call{MethodID: MethodPromptForCredential1}.InvolvesSecureString())
	assert.True(t, Call{MethodID: MethodPromptForCredential2}.InvolvesSecureString())
	assert.False(t, Call{MethodID: MethodReadLine}.InvolvesSecureString())
}

func TestInvolvesSecureStringPromptWithSecureStringParam(t *testing.T) {
	secureParam := serialization.Primitive{Kind: serialization.KindSecureString, Text: ""}
	call := Call{MethodID: MethodPrompt, Params: []serialization.PsValue{serialization.Str("caption"), secureParam}}
	assert.True(t, call.InvolvesSecureString())
}

func TestInvolvesSecureStringPromptWithoutSecureStringParam(t *testing.T) {
	call := Call{MethodID: MethodPrompt, Params: []serialization.PsValue{serialization.Str("caption"), serialization.Str("message")}}
	assert.False(t, call.InvolvesSecureString())
}

func TestInvolvesSecureStringPromptWithComplexSecureStringType(t *testing.T) {
	obj := serialization.NewComplexObject("System.Security.SecureString", "System.Object")
	call := Call{MethodID: MethodPrompt, Params: []serialization.PsValue{obj}}
	assert.True(t, call.InvolvesSecureString())
}

package hostcall

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

type fakeHost struct {
	written       []string
	errLines      []string
	shouldExit    *int32
	readLineErr   error
	promptResult  serialization.PsValue
	promptErr     error
	credResult    serialization.PsValue
	choiceResult  int32
	choiceErr     error
}

func (h *fakeHost) ReadLine() (string, error) { return "input", h.readLineErr }
func (h *fakeHost) ReadLineAsSecureString() ([]byte, error) { return []byte("secret"), nil }
func (h *fakeHost) Write(text string)      { h.written = append(h.written, text) }
func (h *fakeHost) WriteLine(text string)  { h.written = append(h.written, text) }
func (h *fakeHost) WriteErrorLine(text string)   { h.errLines = append(h.errLines, text) }
func (h *fakeHost) WriteDebugLine(text string)   {}
func (h *fakeHost) WriteVerboseLine(text string) {}
func (h *fakeHost) WriteWarningLine(text string) {}
func (h *fakeHost) WriteProgress(activityID int64, record serialization.PsValue) {}
func (h *fakeHost) Prompt(caption, message string, descriptions []serialization.PsValue) (serialization.PsValue, error) {
	return h.promptResult, h.promptErr
}
func (h *fakeHost) PromptForCredential(caption, message, userName, targetName string) (serialization.PsValue, error) {
	return h.credResult, nil
}
func (h *fakeHost) PromptForChoice(caption, message string, choices []serialization.PsValue, defaultChoice int32) (int32, error) {
	return h.choiceResult, h.choiceErr
}
func (h *fakeHost) SetShouldExit(exitCode int32) {
	h.shouldExit = &exitCode
}

func TestDispatchReadLine(t *testing.T) {
	host := &fakeHost{}
	resp := Dispatch(host, Call{CallID: 1, MethodID: MethodReadLine})
	require.Nil(t, resp.Error)
	assert.Equal(t, "input", resp.Result.(serialization.Primitive).Text)
}

func TestDispatchReadLineError(t *testing.T) {
	host := &fakeHost{readLineErr: errors.New("boom")}
	resp := Dispatch(host, Call{MethodID: MethodReadLine})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", *resp.Error)
}

func TestDispatchWriteLine(t *testing.T) {
	host := &fakeHost{}
	Dispatch(host, Call{MethodID: MethodWriteLine2, Params: []serialization.PsValue{serialization.Str("hello")}})
	assert.Equal(t, []string{"hello"}, host.written)
}

func TestDispatchWriteErrorLine(t *testing.T) {
	host := &fakeHost{}
	Dispatch(host, Call{MethodID: MethodWriteErrorLine, Params: []serialization.PsValue{serialization.Str("oops")}})
	assert.Equal(t, []string{"oops"}, host.errLines)
}

func TestDispatchSetShouldExit(t *testing.T) {
	host := &fakeHost{}
	Dispatch(host, Call{MethodID: MethodSetShouldExit, Params: []serialization.PsValue{serialization.I32(7)}})
	require.NotNil(t, host.shouldExit)
	assert.Equal(t, int32(7), *host.shouldExit)
}

func TestDispatchPromptForChoice(t *testing.T) {
	host := &fakeHost{choiceResult: 2}
	resp := Dispatch(host, Call{
		MethodID: MethodPromptForChoice,
		Params: []serialization.PsValue{
			serialization.Str("caption"),
			serialization.Str("message"),
		},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "2", resp.Result.(serialization.Primitive).Text)
}

func TestDispatchUnimplementedMethodReturnsError(t *testing.T) {
	host := &fakeHost{}
	resp := Dispatch(host, Call{MethodID: MethodGetBufferContents})
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "not implemented")
}

func TestDispatchWriteProgressRequiresTwoParams(t *testing.T) {
	host := &fakeHost{}
	resp := Dispatch(host, Call{MethodID: MethodWriteProgress, Params: []serialization.PsValue{serialization.I64(1)}})
	require.NotNil(t, resp.Error)
}

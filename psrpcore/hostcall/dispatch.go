package hostcall

import (
	"fmt"

	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// Host is the subset of PSHost/PSHostUserInterface a caller must implement
// to answer the host calls this package actually dispatches. Methods this
// implementation doesn't model (window geometry, buffer contents, nested
// runspaces) fall through to Dispatch's default case rather than growing
// this interface.
type Host interface {
	ReadLine() (string, error)
	ReadLineAsSecureString() ([]byte, error) // UTF-16LE plaintext, caller seals it
	Write(text string)
	WriteLine(text string)
	WriteErrorLine(text string)
	WriteDebugLine(text string)
	WriteVerboseLine(text string)
	WriteWarningLine(text string)
	WriteProgress(activityID int64, record serialization.PsValue)
	Prompt(caption, message string, descriptions []serialization.PsValue) (serialization.PsValue, error)
	PromptForCredential(caption, message, userName, targetName string) (serialization.PsValue, error)
	PromptForChoice(caption, message string, choices []serialization.PsValue, defaultChoice int32) (int32, error)
	SetShouldExit(exitCode int32)
}

// Dispatch executes call against host and returns the Response to send
// back as a PipelineHostResponse/RunspacepoolHostResponse.
func Dispatch(host Host, call Call) Response {
	resp := Response{CallID: call.CallID, MethodID: call.MethodID, PipelineID: call.PipelineID}

	switch call.MethodID {
	case MethodReadLine:
		s, err := host.ReadLine()
		if err != nil {
			return withError(resp, err)
		}
		resp.Result = serialization.Str(s)

	case MethodReadLineAsSecureString:
		plaintext, err := host.ReadLineAsSecureString()
		if err != nil {
			return withError(resp, err)
		}
		// Travels as a SecureString primitive; the pipeline seals it under
		// the session key before the response goes on the wire.
		resp.Result = serialization.SecureString(plaintext)

	case MethodWrite1, MethodWrite2:
		text, ok := firstString(call.Params)
		if ok {
			host.Write(text)
		}

	case MethodWriteLine1:
		host.WriteLine("")

	case MethodWriteLine2, MethodWriteLine3:
		text, ok := firstString(call.Params)
		if ok {
			host.WriteLine(text)
		}

	case MethodWriteErrorLine:
		text, _ := firstString(call.Params)
		host.WriteErrorLine(text)

	case MethodWriteDebugLine:
		text, _ := firstString(call.Params)
		host.WriteDebugLine(text)

	case MethodWriteVerboseLine:
		text, _ := firstString(call.Params)
		host.WriteVerboseLine(text)

	case MethodWriteWarningLine:
		text, _ := firstString(call.Params)
		host.WriteWarningLine(text)

	case MethodWriteProgress:
		if len(call.Params) < 2 {
			return withError(resp, fmt.Errorf("hostcall: WriteProgress expects 2 params, got %d", len(call.Params)))
		}
		activityID, _ := asInt64(call.Params[0])
		host.WriteProgress(activityID, call.Params[1])

	case MethodPrompt:
		caption, message := twoStrings(call.Params)
		result, err := host.Prompt(caption, message, call.Params)
		if err != nil {
			return withError(resp, err)
		}
		resp.Result = result

	case MethodPromptForCredential1, MethodPromptForCredential2:
		caption, message := twoStrings(call.Params)
		var userName, targetName string
		if len(call.Params) > 2 {
			userName, _ = stringOf(call.Params[2])
		}
		if len(call.Params) > 3 {
			targetName, _ = stringOf(call.Params[3])
		}
		result, err := host.PromptForCredential(caption, message, userName, targetName)
		if err != nil {
			return withError(resp, err)
		}
		resp.Result = result

	case MethodPromptForChoice, MethodPromptForChoiceMultipleSelection:
		caption, message := twoStrings(call.Params)
		var choices []serialization.PsValue
		var defaultChoice int32
		if len(call.Params) > 2 {
			if c, ok := call.Params[2].(*serialization.ComplexObject); ok {
				if container, ok := c.Content.(serialization.ContainerContent); ok {
					choices = container.Container.Items
				}
			}
		}
		if len(call.Params) > 3 {
			defaultChoice, _ = int32Of(call.Params[3])
		}
		choice, err := host.PromptForChoice(caption, message, choices, defaultChoice)
		if err != nil {
			return withError(resp, err)
		}
		resp.Result = serialization.I32(choice)

	case MethodSetShouldExit:
		code, _ := int32Of(firstOrNil(call.Params))
		host.SetShouldExit(code)

	default:
		return withError(resp, fmt.Errorf("hostcall: method %s (%d) not implemented", call.MethodID, call.MethodID))
	}

	return resp
}

func withError(resp Response, err error) Response {
	msg := err.Error()
	resp.Error = &msg
	return resp
}

func firstOrNil(params []serialization.PsValue) serialization.PsValue {
	if len(params) == 0 {
		return nil
	}
	return params[0]
}

func firstString(params []serialization.PsValue) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	return stringOf(params[0])
}

func twoStrings(params []serialization.PsValue) (string, string) {
	var a, b string
	if len(params) > 0 {
		a, _ = stringOf(params[0])
	}
	if len(params) > 1 {
		b, _ = stringOf(params[1])
	}
	return a, b
}

func stringOf(v serialization.PsValue) (string, bool) {
	p, ok := v.(serialization.Primitive)
	if !ok {
		return "", false
	}
	return p.Text, true
}

func asInt64(v serialization.PsValue) (int64, bool) {
	p, ok := v.(serialization.Primitive)
	if !ok {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(p.Text, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func int32Of(v serialization.PsValue) (int32, bool) {
	n, ok := asInt64(v)
	return int32(n), ok
}

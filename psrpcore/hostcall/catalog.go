// Package hostcall implements the PSRP host-call catalog: the tagged
// dispatch over PSHost/PSHostUserInterface methods a server invokes on the
// client, and the deferred-call FIFO that holds SecureString-carrying
// calls until the session key is established.
package hostcall

import "github.com/wingate-labs/psrp-go/psrpcore/serialization"

// MethodID is a PSRP host method identifier, matching MS-PSRP's Host
// Method Identifier table.
type MethodID int32

// Host method identifiers, per MS-PSRP 2.2.3.17 (method_id=12 is
// ReadLineAsSecureString).
const (
	MethodGetName MethodID = iota + 1
	MethodGetVersion
	MethodGetInstanceId
	MethodGetCurrentCulture
	MethodGetCurrentUICulture
	MethodSetShouldExit
	MethodEnterNestedPrompt
	MethodExitNestedPrompt
	MethodNotifyBeginApplication
	MethodNotifyEndApplication
	MethodReadLine
	MethodReadLineAsSecureString
	MethodWrite1
	MethodWrite2
	MethodWriteLine1
	MethodWriteLine2
	MethodWriteLine3
	MethodWriteErrorLine
	MethodWriteDebugLine
	MethodWriteProgress
	MethodWriteVerboseLine
	MethodWriteWarningLine
	MethodPrompt
	MethodPromptForCredential1
	MethodPromptForCredential2
	MethodPromptForChoice
	MethodGetForegroundColor
	MethodSetForegroundColor
	MethodGetBackgroundColor
	MethodSetBackgroundColor
	MethodGetCursorPosition
	MethodSetCursorPosition
	MethodGetWindowPosition
	MethodSetWindowPosition
	MethodGetCursorSize
	MethodSetCursorSize
	MethodGetBufferSize
	MethodSetBufferSize
	MethodGetWindowSize
	MethodSetWindowSize
	MethodGetWindowTitle
	MethodSetWindowTitle
	MethodGetMaxWindowSize
	MethodGetMaxPhysicalWindowSize
	MethodGetKeyAvailable
	MethodReadKey
	MethodFlushInputBuffer
	MethodSetBufferContents1
	MethodSetBufferContents2
	MethodGetBufferContents
	MethodScrollBufferContents
	MethodPushRunspace
	MethodPopRunspace
	MethodGetIsRunspacePushed
	MethodGetRunspace
	MethodPromptForChoiceMultipleSelection
)

var methodNames = map[MethodID]string{
	MethodGetName:                          "GetName",
	MethodGetVersion:                       "GetVersion",
	MethodGetInstanceId:                    "GetInstanceId",
	MethodGetCurrentCulture:                "GetCurrentCulture",
	MethodGetCurrentUICulture:              "GetCurrentUICulture",
	MethodSetShouldExit:                    "SetShouldExit",
	MethodEnterNestedPrompt:                "EnterNestedPrompt",
	MethodExitNestedPrompt:                 "ExitNestedPrompt",
	MethodNotifyBeginApplication:           "NotifyBeginApplication",
	MethodNotifyEndApplication:             "NotifyEndApplication",
	MethodReadLine:                         "ReadLine",
	MethodReadLineAsSecureString:           "ReadLineAsSecureString",
	MethodWrite1:                           "Write1",
	MethodWrite2:                           "Write2",
	MethodWriteLine1:                       "WriteLine1",
	MethodWriteLine2:                       "WriteLine2",
	MethodWriteLine3:                       "WriteLine3",
	MethodWriteErrorLine:                   "WriteErrorLine",
	MethodWriteDebugLine:                   "WriteDebugLine",
	MethodWriteProgress:                    "WriteProgress",
	MethodWriteVerboseLine:                 "WriteVerboseLine",
	MethodWriteWarningLine:                 "WriteWarningLine",
	MethodPrompt:                           "Prompt",
	MethodPromptForCredential1:             "PromptForCredential1",
	MethodPromptForCredential2:             "PromptForCredential2",
	MethodPromptForChoice:                  "PromptForChoice",
	MethodGetForegroundColor:               "GetForegroundColor",
	MethodSetForegroundColor:               "SetForegroundColor",
	MethodGetBackgroundColor:               "GetBackgroundColor",
	MethodSetBackgroundColor:               "SetBackgroundColor",
	MethodGetCursorPosition:                "GetCursorPosition",
	MethodSetCursorPosition:                "SetCursorPosition",
	MethodGetWindowPosition:                "GetWindowPosition",
	MethodSetWindowPosition:                "SetWindowPosition",
	MethodGetCursorSize:                    "GetCursorSize",
	MethodSetCursorSize:                    "SetCursorSize",
	MethodGetBufferSize:                    "GetBufferSize",
	MethodSetBufferSize:                    "SetBufferSize",
	MethodGetWindowSize:                    "GetWindowSize",
	MethodSetWindowSize:                    "SetWindowSize",
	MethodGetWindowTitle:                   "GetWindowTitle",
	MethodSetWindowTitle:                   "SetWindowTitle",
	MethodGetMaxWindowSize:                 "GetMaxWindowSize",
	MethodGetMaxPhysicalWindowSize:         "GetMaxPhysicalWindowSize",
	MethodGetKeyAvailable:                  "GetKeyAvailable",
	MethodReadKey:                          "ReadKey",
	MethodFlushInputBuffer:                 "FlushInputBuffer",
	MethodSetBufferContents1:               "SetBufferContents1",
	MethodSetBufferContents2:               "SetBufferContents2",
	MethodGetBufferContents:                "GetBufferContents",
	MethodScrollBufferContents:             "ScrollBufferContents",
	MethodPushRunspace:                     "PushRunspace",
	MethodPopRunspace:                      "PopRunspace",
	MethodGetIsRunspacePushed:              "GetIsRunspacePushed",
	MethodGetRunspace:                      "GetRunspace",
	MethodPromptForChoiceMultipleSelection: "PromptForChoiceMultipleSelection",
}

func (m MethodID) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "Unknown"
}

// Call is one PipelineHostCall/RunspacepoolHostCall invocation: a tagged
// (method_id, params) pair.
type Call struct {
	CallID     int64
	MethodID   MethodID
	Params     []serialization.PsValue
	PipelineID *string // nil for a RunspacepoolHostCall
}

// WantsResponse reports whether the method returns a value the server
// waits on. Void methods (the Write* family, SetShouldExit, the Notify*
// pair) complete fire-and-forget, with no response message on the wire.
func (m MethodID) WantsResponse() bool {
	switch m {
	case MethodSetShouldExit, MethodNotifyBeginApplication, MethodNotifyEndApplication,
		MethodWrite1, MethodWrite2, MethodWriteLine1, MethodWriteLine2, MethodWriteLine3,
		MethodWriteErrorLine, MethodWriteDebugLine, MethodWriteProgress,
		MethodWriteVerboseLine, MethodWriteWarningLine:
		return false
	}
	return true
}

// InvolvesSecureString reports whether this call carries a SecureString
// in or out, which decides whether it must be deferred until the session
// key is established.
func (c Call) InvolvesSecureString() bool {
	switch c.MethodID {
	case MethodReadLineAsSecureString, MethodPromptForCredential1, MethodPromptForCredential2:
		return true
	case MethodPrompt:
		for _, p := range c.Params {
			if paramIsSecureString(p) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func paramIsSecureString(v serialization.PsValue) bool {
	switch t := v.(type) {
	case serialization.Primitive:
		return t.Kind == serialization.KindSecureString
	case *serialization.ComplexObject:
		for _, n := range t.TypeNames {
			if n == "System.Security.SecureString" {
				return true
			}
		}
	}
	return false
}

// Response is the client's answer to a Call, carried back in a
// PipelineHostResponse/RunspacepoolHostResponse message.
type Response struct {
	CallID     int64
	MethodID   MethodID
	PipelineID *string
	Result     serialization.PsValue
	Error      *string
}

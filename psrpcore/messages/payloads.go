package messages

import (
	"fmt"
	"strconv"

	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// enumObj builds a ComplexObject carrying EnumContent under the given
// .NET enum type-name chain.
func enumObj(enumType, name string, value int32) *serialization.ComplexObject {
	o := serialization.NewComplexObject(enumType, "System.Enum", "System.ValueType", "System.Object")
	o.Content = serialization.EnumContent{Name: name, Value: value}
	return o
}

func emitOne(obj *serialization.ComplexObject) []byte {
	e := serialization.NewEmitter()
	data, err := e.EmitDocument(obj)
	if err != nil {
		// EmitDocument can only fail on an unrecognized PsValue
		// implementation; every value built in this file is one this
		// package constructs itself.
		panic(fmt.Sprintf("messages: unexpected emit failure: %v", err))
	}
	return data
}

func parseOne(data []byte) (serialization.PsValue, error) {
	values, err := serialization.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("messages: empty payload")
	}
	return values[0], nil
}

func parseObjPayload(data []byte) (*serialization.ComplexObject, error) {
	v, err := parseOne(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*serialization.ComplexObject)
	if !ok {
		return nil, fmt.Errorf("messages: expected Obj payload, got %T", v)
	}
	return obj, nil
}

func propString(obj *serialization.ComplexObject, name string) (string, bool) {
	v, ok := obj.Extended.Get(name)
	if !ok {
		v, ok = obj.Adapted.Get(name)
	}
	if !ok {
		return "", false
	}
	p, ok := v.(serialization.Primitive)
	if !ok {
		return "", false
	}
	return p.Text, true
}

func propInt32(obj *serialization.ComplexObject, name string) (int32, bool) {
	v, ok := obj.Extended.Get(name)
	if !ok {
		v, ok = obj.Adapted.Get(name)
	}
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case serialization.Primitive:
		var n int32
		if _, err := fmt.Sscanf(t.Text, "%d", &n); err != nil {
			return 0, false
		}
		return n, true
	case *serialization.ComplexObject:
		if enum, ok := t.Content.(serialization.EnumContent); ok {
			return enum.Value, true
		}
	}
	return 0, false
}

// EncodeSessionCapability builds the SessionCapability payload carrying
// the negotiated PSRP protocol version.
func EncodeSessionCapability(protocolVersion, psVersion, serializationVersion string) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("PSVersion", serialization.Str(psVersion))
	obj.Extended.Set("protocolversion", serialization.Str(protocolVersion))
	obj.Extended.Set("SerializationVersion", serialization.Str(serializationVersion))
	return emitOne(obj)
}

// DecodeSessionCapability extracts the protocolversion a peer announced.
func DecodeSessionCapability(data []byte) (protocolVersion string, err error) {
	obj, err := parseObjPayload(data)
	if err != nil {
		return "", err
	}
	v, ok := propString(obj, "protocolversion")
	if !ok {
		return "", fmt.Errorf("messages: SessionCapability missing protocolversion")
	}
	return v, nil
}

// EncodeInitRunspacePool builds the InitRunspacepool payload.
func EncodeInitRunspacePool(minRunspaces, maxRunspaces int32) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("MinRunspaces", serialization.I32(minRunspaces))
	obj.Extended.Set("MaxRunspaces", serialization.I32(maxRunspaces))
	obj.Extended.Set("PSThreadOptions", enumObj("System.Management.Automation.Runspaces.PSThreadOptions", "Default", 0))
	obj.Extended.Set("ApartmentState", enumObj("System.Management.Automation.Runspaces.ApartmentState", "Unknown", 2))

	hostInfo := serialization.NewComplexObject()
	hostInfo.Extended.Set("_isHostNull", serialization.Bool(true))
	hostInfo.Extended.Set("_isHostUINull", serialization.Bool(true))
	hostInfo.Extended.Set("_isHostRawUINull", serialization.Bool(true))
	hostInfo.Extended.Set("_useRunspaceHost", serialization.Bool(true))
	obj.Extended.Set("HostInfo", hostInfo)
	obj.Extended.Set("ApplicationArguments", serialization.Nil())

	return emitOne(obj)
}

// EncodeConnectRunspacePool builds the ConnectRunspacePool payload sent
// when reattaching to a disconnected pool: essentially an empty
// negotiation envelope.
func EncodeConnectRunspacePool() []byte {
	return emitOne(serialization.NewComplexObject())
}

// DecodeRunspacePoolState extracts the numeric state from a
// RunspacepoolState message payload. As with DecodePipelineState, a bare
// I32 payload is accepted alongside the full object form.
func DecodeRunspacePoolState(data []byte) (RunspacePoolState, error) {
	v, err := parseOne(data)
	if err != nil {
		return 0, err
	}
	if prim, ok := v.(serialization.Primitive); ok && prim.Kind == serialization.KindI32 {
		n, err := strconv.ParseInt(prim.Text, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("messages: invalid RunspaceState value %q: %w", prim.Text, err)
		}
		return RunspacePoolState(n), nil
	}
	obj, ok := v.(*serialization.ComplexObject)
	if !ok {
		return 0, fmt.Errorf("messages: expected Obj payload, got %T", v)
	}
	n, ok := propInt32(obj, "RunspaceState")
	if !ok {
		return 0, fmt.Errorf("messages: RunspacepoolState missing RunspaceState")
	}
	return RunspacePoolState(n), nil
}

// EncodeSetMaxRunspaces builds the SetMaxRunspaces payload.
func EncodeSetMaxRunspaces(callID int64, maxRunspaces int32) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("MaxRunspaces", serialization.I32(maxRunspaces))
	obj.Extended.Set("ci", serialization.I64(callID))
	return emitOne(obj)
}

// EncodeSetMinRunspaces builds the SetMinRunspaces payload.
func EncodeSetMinRunspaces(callID int64, minRunspaces int32) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("MinRunspaces", serialization.I32(minRunspaces))
	obj.Extended.Set("ci", serialization.I64(callID))
	return emitOne(obj)
}

// EncodeGetAvailableRunspaces builds the GetAvailableRunspaces payload.
func EncodeGetAvailableRunspaces(callID int64) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("ci", serialization.I64(callID))
	return emitOne(obj)
}

// DecodeRunspaceAvailability extracts the available-runspace count from a
// RunspaceAvailability response.
func DecodeRunspaceAvailability(data []byte) (int64, error) {
	obj, err := parseObjPayload(data)
	if err != nil {
		return 0, err
	}
	v, ok := obj.Extended.Get("SetMinMaxRunspacesResponse")
	if !ok {
		return 0, fmt.Errorf("messages: RunspaceAvailability missing SetMinMaxRunspacesResponse")
	}
	p, ok := v.(serialization.Primitive)
	if !ok {
		return 0, fmt.Errorf("messages: RunspaceAvailability response not a primitive")
	}
	var n int64
	if _, err := fmt.Sscanf(p.Text, "%d", &n); err != nil {
		return 0, fmt.Errorf("messages: invalid availability count %q", p.Text)
	}
	return n, nil
}

// DecodePipelineState extracts the pipeline state from a PipelineState
// message payload. A bare I32 payload (as some test harnesses and
// minimal servers send) is accepted alongside the full object form.
func DecodePipelineState(data []byte) (PipelineState, error) {
	v, err := parseOne(data)
	if err != nil {
		return 0, err
	}
	if prim, ok := v.(serialization.Primitive); ok && prim.Kind == serialization.KindI32 {
		n, err := strconv.ParseInt(prim.Text, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("messages: invalid PipelineState value %q: %w", prim.Text, err)
		}
		return PipelineState(n), nil
	}
	obj, ok := v.(*serialization.ComplexObject)
	if !ok {
		return 0, fmt.Errorf("messages: expected Obj payload, got %T", v)
	}
	n, ok := propInt32(obj, "PipelineState")
	if !ok {
		return 0, fmt.Errorf("messages: PipelineState missing PipelineState")
	}
	return PipelineState(n), nil
}

// EncodePipelineState builds a PipelineState payload, used by tests and by
// mock transports.
func EncodePipelineState(state PipelineState) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("PipelineState", serialization.I32(int32(state)))
	return emitOne(obj)
}

// Command is one element of a pipeline's command list: a cmdlet name or
// script text plus its ordered parameters.
type Command struct {
	Text       string
	IsScript   bool
	Parameters []CommandParameter
}

// CommandParameter is one named argument of a Command. A nil Value
// renders a switch parameter.
type CommandParameter struct {
	Name  string
	Value serialization.PsValue
}

// EncodeCreatePipeline builds a CreatePipeline payload invoking script as
// a single command in "IsScript" mode.
func EncodeCreatePipeline(script string) []byte {
	return EncodeCreatePipelineCommands([]Command{{Text: script, IsScript: true}})
}

// EncodeCreatePipelineCommands builds a CreatePipeline payload from an
// ordered command list.
func EncodeCreatePipelineCommands(commands []Command) []byte {
	items := make([]serialization.PsValue, 0, len(commands))
	for _, cmd := range commands {
		items = append(items, encodeCommand(cmd))
	}

	cmds := serialization.NewComplexObject()
	cmds.Content = serialization.ContainerContent{Container: serialization.Container{
		Kind:  serialization.ContainerList,
		Items: items,
	}}

	powerShell := serialization.NewComplexObject()
	powerShell.Extended.Set("Cmds", cmds)
	powerShell.Extended.Set("IsNested", serialization.Bool(false))
	powerShell.Extended.Set("History", serialization.Nil())
	powerShell.Extended.Set("RedirectShellErrorOutputPipe", serialization.Bool(true))

	obj := serialization.NewComplexObject()
	obj.Extended.Set("PowerShell", powerShell)
	obj.Extended.Set("NoInput", serialization.Bool(true))
	obj.Extended.Set("ApartmentState", enumObj("System.Management.Automation.Runspaces.ApartmentState", "Unknown", 2))
	obj.Extended.Set("RemoteStreamOptions", serialization.I32(0))
	obj.Extended.Set("AddToHistory", serialization.Bool(false))

	hostInfo := serialization.NewComplexObject()
	hostInfo.Extended.Set("_isHostNull", serialization.Bool(true))
	hostInfo.Extended.Set("_isHostUINull", serialization.Bool(true))
	hostInfo.Extended.Set("_isHostRawUINull", serialization.Bool(true))
	hostInfo.Extended.Set("_useRunspaceHost", serialization.Bool(true))
	obj.Extended.Set("HostInfo", hostInfo)
	obj.Extended.Set("IsNested", serialization.Bool(false))

	return emitOne(obj)
}

// encodeCommand renders one Command as the Cmds-list element
// CreatePipeline carries: the command text, the IsScript flag, neutral
// merge settings, and an Args list of N/V parameter pairs (a switch
// parameter carries V=true).
func encodeCommand(cmd Command) *serialization.ComplexObject {
	command := serialization.NewComplexObject()
	command.Extended.Set("Cmd", serialization.Str(cmd.Text))
	command.Extended.Set("IsScript", serialization.Bool(cmd.IsScript))
	command.Extended.Set("UseLocalScope", serialization.Bool(false))
	command.Extended.Set("MergeMyResult", serialization.I32(0))
	command.Extended.Set("MergeToResult", serialization.I32(0))
	command.Extended.Set("MergePreviousResults", serialization.I32(0))
	command.Extended.Set("MergeError", serialization.I32(0))
	command.Extended.Set("MergeWarning", serialization.I32(0))
	command.Extended.Set("MergeVerbose", serialization.I32(0))
	command.Extended.Set("MergeDebug", serialization.I32(0))
	command.Extended.Set("MergeInformation", serialization.I32(0))

	args := serialization.NewComplexObject()
	if len(cmd.Parameters) > 0 {
		items := make([]serialization.PsValue, 0, len(cmd.Parameters))
		for _, param := range cmd.Parameters {
			p := serialization.NewComplexObject()
			p.Extended.Set("N", serialization.Str(param.Name))
			if param.Value != nil {
				p.Extended.Set("V", param.Value)
			} else {
				p.Extended.Set("V", serialization.Bool(true))
			}
			items = append(items, p)
		}
		args.Content = serialization.ContainerContent{Container: serialization.Container{
			Kind:  serialization.ContainerList,
			Items: items,
		}}
	}
	command.Extended.Set("Args", args)
	return command
}

// EncodePublicKey builds the PublicKey payload carrying the client's
// CAPI blob.
func EncodePublicKey(blobBase64 string) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("PublicKey", serialization.Str(blobBase64))
	return emitOne(obj)
}

// DecodeEncryptedSessionKey extracts the base64 EncryptedSessionKey
// blob.
func DecodeEncryptedSessionKey(data []byte) (string, error) {
	obj, err := parseObjPayload(data)
	if err != nil {
		return "", err
	}
	v, ok := propString(obj, "EncryptedSessionKey")
	if !ok {
		return "", fmt.Errorf("messages: EncryptedSessionKey payload missing EncryptedSessionKey")
	}
	return v, nil
}

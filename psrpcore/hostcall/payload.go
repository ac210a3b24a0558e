package hostcall

import (
	"fmt"

	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// DecodeCall parses a PipelineHostCall/RunspacepoolHostCall message
// payload: a ComplexObject carrying "ci" (call id), "mi" (method id) and
// "mp" (a parameter list).
func DecodeCall(data []byte, pipelineID *string) (Call, error) {
	values, err := serialization.ParseDocument(data)
	if err != nil {
		return Call{}, fmt.Errorf("hostcall: parse: %w", err)
	}
	if len(values) == 0 {
		return Call{}, fmt.Errorf("hostcall: empty host call payload")
	}
	obj, ok := values[0].(*serialization.ComplexObject)
	if !ok {
		return Call{}, fmt.Errorf("hostcall: expected Obj, got %T", values[0])
	}

	call := Call{PipelineID: pipelineID}

	if v, ok := obj.Extended.Get("ci"); ok {
		if p, ok := v.(serialization.Primitive); ok {
			fmt.Sscanf(p.Text, "%d", &call.CallID)
		}
	}
	if v, ok := obj.Extended.Get("mi"); ok {
		if p, ok := v.(serialization.Primitive); ok {
			var n int32
			fmt.Sscanf(p.Text, "%d", &n)
			call.MethodID = MethodID(n)
		}
	}
	if v, ok := obj.Extended.Get("mp"); ok {
		if params, ok := v.(*serialization.ComplexObject); ok {
			if container, ok := params.Content.(serialization.ContainerContent); ok {
				call.Params = container.Container.Items
			}
		}
	}

	return call, nil
}

// EncodeResponse renders a Response as a PipelineHostResponse /
// RunspacepoolHostResponse payload: "ci", "mi", "mr" (method result) or
// "me" (method exception) when Error is set.
func EncodeResponse(resp Response) []byte {
	obj := serialization.NewComplexObject()
	obj.Extended.Set("ci", serialization.I64(resp.CallID))
	obj.Extended.Set("mi", serialization.I32(int32(resp.MethodID)))
	if resp.Error != nil {
		obj.Extended.Set("me", serialization.Str(*resp.Error))
	} else if resp.Result != nil {
		obj.Extended.Set("mr", resp.Result)
	}
	return emitOne(obj)
}

func emitOne(obj *serialization.ComplexObject) []byte {
	e := serialization.NewEmitter()
	data, err := e.EmitDocument(obj)
	if err != nil {
		panic(fmt.Sprintf("hostcall: unexpected emit failure: %v", err))
	}
	return data
}

func parseObjPayload(data []byte) (*serialization.ComplexObject, error) {
	values, err := serialization.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("hostcall: empty payload")
	}
	obj, ok := values[0].(*serialization.ComplexObject)
	if !ok {
		return nil, fmt.Errorf("hostcall: expected Obj payload, got %T", values[0])
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

package serialization

import (
	"fmt"
	"strconv"
)

// PSObject is the Go-native view of a deserialized ComplexObject, for
// callers that want plain values instead of walking the PsValue graph.
// Primitives deserialize straight to Go types (string, int32, bool, ...);
// bare containers deserialize to []interface{} / map[string]interface{};
// everything else becomes a *PSObject.
type PSObject struct {
	// TypeNames is the object's type-name chain, most derived first.
	TypeNames []string

	// ToString is the server-rendered display string, if present.
	ToString string

	// Value holds the distinguished payload: the wrapped primitive for
	// extended-primitive objects, the numeric value for enums, the
	// native container for container objects, nil otherwise.
	Value interface{}

	// Properties merges the extended and adapted property maps (extended
	// wins on name collision) with property values converted natively.
	Properties map[string]interface{}
}

// Deserializer converts CLIXML documents to Go-native values. It holds no
// state; Deserialize may be called repeatedly, each call parsing
// independently with its own reference table.
type Deserializer struct{}

// NewDeserializer returns a Deserializer.
func NewDeserializer() *Deserializer { return &Deserializer{} }

// Close releases the deserializer. It exists for symmetry with resource-
// holding decoders; the CLIXML deserializer holds none.
func (d *Deserializer) Close() {}

// Deserialize parses CLIXML bytes and converts each top-level value to
// its Go-native form.
func (d *Deserializer) Deserialize(data []byte) ([]interface{}, error) {
	values, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		native, err := ToNative(v)
		if err != nil {
			return nil, err
		}
		out = append(out, native)
	}
	return out, nil
}

// ToNative converts one PsValue to its Go-native form.
func ToNative(v PsValue) (interface{}, error) {
	switch val := v.(type) {
	case Primitive:
		return primitiveToNative(val)
	case *ComplexObject:
		return complexToNative(val)
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("serialization: unknown PsValue %T", v)
}

func primitiveToNative(p Primitive) (interface{}, error) {
	switch p.Kind {
	case KindNil:
		return nil, nil
	case KindString, KindChar, KindGuid, KindUri, KindVersion, KindDateTime,
		KindTimeSpan, KindDecimal, KindScriptBlock, KindXml:
		return p.Text, nil
	case KindBool:
		return p.Text == "true", nil
	case KindI16:
		n, err := strconv.ParseInt(p.Text, 10, 16)
		return int16(n), wrapParseErr("I16", p.Text, err)
	case KindU16:
		n, err := strconv.ParseUint(p.Text, 10, 16)
		return uint16(n), wrapParseErr("U16", p.Text, err)
	case KindI32:
		n, err := strconv.ParseInt(p.Text, 10, 32)
		return int32(n), wrapParseErr("I32", p.Text, err)
	case KindU32:
		n, err := strconv.ParseUint(p.Text, 10, 32)
		return uint32(n), wrapParseErr("U32", p.Text, err)
	case KindI64:
		n, err := strconv.ParseInt(p.Text, 10, 64)
		return n, wrapParseErr("I64", p.Text, err)
	case KindU64:
		n, err := strconv.ParseUint(p.Text, 10, 64)
		return n, wrapParseErr("U64", p.Text, err)
	case KindFloat:
		n, err := strconv.ParseFloat(p.Text, 32)
		return float32(n), wrapParseErr("Sg", p.Text, err)
	case KindDouble:
		n, err := strconv.ParseFloat(p.Text, 64)
		return n, wrapParseErr("Db", p.Text, err)
	case KindBytes, KindSecureString:
		return p.Bin, nil
	}
	return p.Text, nil
}

func wrapParseErr(tag, text string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("serialization: invalid %s value %q: %w", tag, text, err)
}

func complexToNative(obj *ComplexObject) (interface{}, error) {
	bare := obj.Extended.Len() == 0 && obj.Adapted.Len() == 0 && obj.ToString == nil

	var value interface{}
	switch content := obj.Content.(type) {
	case ExtendedPrimitiveContent:
		v, err := primitiveToNative(content.Value)
		if err != nil {
			return nil, err
		}
		if bare {
			return v, nil
		}
		value = v
	case EnumContent:
		value = content.Value
	case ContainerContent:
		v, err := containerToNative(content.Container)
		if err != nil {
			return nil, err
		}
		if bare {
			return v, nil
		}
		value = v
	}

	ps := &PSObject{
		TypeNames:  obj.TypeNames,
		Value:      value,
		Properties: make(map[string]interface{}, obj.Extended.Len()+obj.Adapted.Len()),
	}
	if obj.ToString != nil {
		ps.ToString = *obj.ToString
	}

	var convErr error
	collect := func(name string, v PsValue) {
		if convErr != nil {
			return
		}
		if _, exists := ps.Properties[name]; exists {
			return
		}
		native, err := ToNative(v)
		if err != nil {
			convErr = err
			return
		}
		ps.Properties[name] = native
	}
	obj.Extended.Each(collect)
	obj.Adapted.Each(collect)
	if convErr != nil {
		return nil, convErr
	}
	return ps, nil
}

func containerToNative(c Container) (interface{}, error) {
	if c.Kind == ContainerDict {
		m := make(map[string]interface{}, len(c.Entries))
		for _, entry := range c.Entries {
			key, err := ToNative(entry.Key)
			if err != nil {
				return nil, err
			}
			value, err := ToNative(entry.Value)
			if err != nil {
				return nil, err
			}
			m[fmt.Sprint(key)] = value
		}
		return m, nil
	}
	items := make([]interface{}, 0, len(c.Items))
	for _, item := range c.Items {
		native, err := ToNative(item)
		if err != nil {
			return nil, err
		}
		items = append(items, native)
	}
	return items, nil
}

// Serializer converts Go-native values to CLIXML documents. One
// Serializer corresponds to one document's reference tables; serializing
// the same *ComplexObject twice through one Serializer emits a Ref.
type Serializer struct {
	emitter *Emitter
}

// NewSerializer returns a Serializer with fresh reference tables.
func NewSerializer() *Serializer {
	return &Serializer{emitter: NewEmitter()}
}

// Serialize renders v as a CLIXML document.
func (s *Serializer) Serialize(v interface{}) ([]byte, error) {
	psv, err := FromNative(v)
	if err != nil {
		return nil, err
	}
	return s.emitter.EmitDocument(psv)
}

// FromNative converts a Go value to its PsValue form. PsValues pass
// through unchanged.
func FromNative(v interface{}) (PsValue, error) {
	switch val := v.(type) {
	case nil:
		return Nil(), nil
	case PsValue:
		return val, nil
	case *PSObject:
		return psObjectToValue(val)
	case string:
		return Str(val), nil
	case bool:
		return Bool(val), nil
	case int:
		if val >= -1<<31 && val < 1<<31 {
			return I32(int32(val)), nil
		}
		return I64(int64(val)), nil
	case int16:
		return Primitive{Kind: KindI16, Text: strconv.FormatInt(int64(val), 10)}, nil
	case uint16:
		return Primitive{Kind: KindU16, Text: strconv.FormatUint(uint64(val), 10)}, nil
	case int32:
		return I32(val), nil
	case uint32:
		return U32(val), nil
	case int64:
		return I64(val), nil
	case uint64:
		return Primitive{Kind: KindU64, Text: strconv.FormatUint(val, 10)}, nil
	case float32:
		return Primitive{Kind: KindFloat, Text: strconv.FormatFloat(float64(val), 'g', -1, 32)}, nil
	case float64:
		return Primitive{Kind: KindDouble, Text: strconv.FormatFloat(val, 'g', -1, 64)}, nil
	case []byte:
		return Bytes(val), nil
	case []interface{}:
		obj := NewComplexObject("System.Object[]", "System.Array", "System.Object")
		items := make([]PsValue, 0, len(val))
		for _, item := range val {
			psv, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			items = append(items, psv)
		}
		obj.Content = ContainerContent{Container: Container{Kind: ContainerList, Items: items}}
		return obj, nil
	case map[string]interface{}:
		obj := NewComplexObject("System.Collections.Hashtable", "System.Object")
		entries := make([]DictEntry, 0, len(val))
		for k, item := range val {
			psv, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			entries = append(entries, DictEntry{Key: Str(k), Value: psv})
		}
		obj.Content = ContainerContent{Container: Container{Kind: ContainerDict, Entries: entries}}
		return obj, nil
	}
	return nil, fmt.Errorf("serialization: cannot serialize %T", v)
}

func psObjectToValue(ps *PSObject) (PsValue, error) {
	obj := NewComplexObject(ps.TypeNames...)
	if ps.ToString != "" {
		ts := ps.ToString
		obj.ToString = &ts
	}
	if ps.Value != nil {
		inner, err := FromNative(ps.Value)
		if err != nil {
			return nil, err
		}
		if prim, ok := inner.(Primitive); ok {
			obj.Content = ExtendedPrimitiveContent{Value: prim}
		}
	}
	for name, v := range ps.Properties {
		psv, err := FromNative(v)
		if err != nil {
			return nil, err
		}
		obj.Extended.Set(name, psv)
	}
	return obj, nil
}

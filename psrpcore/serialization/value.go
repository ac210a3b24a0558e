// Package serialization implements the CLIXML value graph and its
// serializer/deserializer: the typed object model PowerShell Remoting uses
// to move .NET objects, with reference sharing, enums, containers, and
// extended/adapted properties.
package serialization

import (
	"fmt"
	"strings"
)

// PrimitiveKind identifies the CLIXML element a Primitive renders as.
type PrimitiveKind int

// Primitive kinds, one per CLIXML leaf element.
const (
	KindString PrimitiveKind = iota
	KindChar
	KindBool
	KindI16
	KindU16
	KindI32
	KindU32
	KindI64
	KindU64
	KindFloat
	KindDouble
	KindDecimal
	KindDateTime
	KindTimeSpan
	KindGuid
	KindUri
	KindVersion
	KindBytes
	KindNil
	KindSecureString
	KindScriptBlock
	KindXml
)

// elementName is the CLIXML tag for each PrimitiveKind.
var elementName = map[PrimitiveKind]string{
	KindString:       "S",
	KindChar:         "C",
	KindBool:         "B",
	KindI16:          "I16",
	KindU16:          "U16",
	KindI32:          "I32",
	KindU32:          "U32",
	KindI64:          "I64",
	KindU64:          "U64",
	KindFloat:        "Sg",
	KindDouble:       "Db",
	KindDecimal:      "D",
	KindDateTime:     "DT",
	KindTimeSpan:     "TS",
	KindGuid:         "G",
	KindUri:          "URI",
	KindVersion:      "Version",
	KindBytes:        "BA",
	KindNil:          "Nil",
	KindSecureString: "SS",
	KindScriptBlock:  "SBK",
	KindXml:          "XD",
}

var kindFromElement = func() map[string]PrimitiveKind {
	m := make(map[string]PrimitiveKind, len(elementName))
	for k, v := range elementName {
		m[v] = k
	}
	return m
}()

// PsValue is either a Primitive or a *ComplexObject.
type PsValue interface {
	isPsValue()
}

// Primitive is a leaf CLIXML value. Text carries the rendered payload
// (decimal text, ISO datetime, base64, …); Bin carries the decoded bytes
// for Bytes and SecureString, since those are the only kinds whose
// semantic value isn't fully captured by their text form.
type Primitive struct {
	Kind PrimitiveKind
	Text string
	Bin  []byte
}

func (Primitive) isPsValue() {}

// Str builds a string Primitive.
func Str(s string) Primitive { return Primitive{Kind: KindString, Text: s} }

// Bool builds a boolean Primitive, rendered as CLIXML's lowercase "true"/"false".
func Bool(b bool) Primitive {
	if b {
		return Primitive{Kind: KindBool, Text: "true"}
	}
	return Primitive{Kind: KindBool, Text: "false"}
}

// I32 builds a signed 32-bit integer Primitive.
func I32(v int32) Primitive { return Primitive{Kind: KindI32, Text: fmt.Sprintf("%d", v)} }

// I64 builds a signed 64-bit integer Primitive.
func I64(v int64) Primitive { return Primitive{Kind: KindI64, Text: fmt.Sprintf("%d", v)} }

// U32 builds an unsigned 32-bit integer Primitive.
func U32(v uint32) Primitive { return Primitive{Kind: KindU32, Text: fmt.Sprintf("%d", v)} }

// Guid builds a Guid Primitive from its canonical string form.
func Guid(s string) Primitive { return Primitive{Kind: KindGuid, Text: s} }

// Bytes builds a byte-array Primitive (CLIXML `BA`).
func Bytes(b []byte) Primitive { return Primitive{Kind: KindBytes, Bin: append([]byte(nil), b...)} }

// Nil is the CLIXML `<Nil/>` primitive.
func Nil() Primitive { return Primitive{Kind: KindNil} }

// SecureString builds a SecureString primitive whose Bin holds the sealed
// (or, before sealing, plaintext UTF-16LE) bytes. Sealing is performed in
// place by the session coordinator, not here.
func SecureString(sealed []byte) Primitive {
	return Primitive{Kind: KindSecureString, Bin: append([]byte(nil), sealed...)}
}

// ContainerKind identifies which ordered-collection shape a Container holds.
type ContainerKind int

// Container kinds, one per CLIXML container element.
const (
	ContainerList ContainerKind = iota
	ContainerStack
	ContainerQueue
	ContainerDict
)

// containerElement is the CLIXML element for each ContainerKind.
var containerElement = map[ContainerKind]string{
	ContainerList:  "LST",
	ContainerStack: "STK",
	ContainerQueue: "QUE",
	ContainerDict:  "DCT",
}

// DictEntry is one (Key, Value) pair of a Dictionary container.
type DictEntry struct {
	Key   PsValue
	Value PsValue
}

// Container is the payload of a Container content variant: an ordered
// List/Stack/Queue (Items) or a Dictionary (Entries).
type Container struct {
	Kind    ContainerKind
	Items   []PsValue
	Entries []DictEntry
}

// Content is the one distinguished payload variant a ComplexObject
// carries.
type Content interface {
	isContent()
}

// StandardContent marks an object with no distinguished payload.
type StandardContent struct{}

func (StandardContent) isContent() {}

// ExtendedPrimitiveContent attaches a single primitive value to an object
// (e.g. a PSObject wrapping a primitive .NET value with extended properties).
type ExtendedPrimitiveContent struct {
	Value Primitive
}

func (ExtendedPrimitiveContent) isContent() {}

// EnumContent is an object whose type names name an Enum, carrying both the
// human-readable name and the numeric value.
type EnumContent struct {
	Name  string
	Value int32
}

func (EnumContent) isContent() {}

// ContainerContent wraps a List/Stack/Queue/Dictionary payload.
type ContainerContent struct {
	Container Container
}

func (ContainerContent) isContent() {}

// ComplexObject is a typed .NET object graph node: an optional type-name
// chain, an optional ToString rendering, extended ("MS") and adapted
// ("Props") property maps, and exactly one Content variant.
type ComplexObject struct {
	// RefID is not read or set by this package: the Emitter and the
	// parser keep their own ref-id tables, keyed by object identity.
	RefID int

	// TypeNames is the ordered type-name chain, most-derived type first,
	// e.g. {"System.Management.Automation.ErrorRecord", "System.Object"}.
	TypeNames []string

	ToString *string

	Extended *PropertyMap
	Adapted  *PropertyMap

	Content Content
}

func (*ComplexObject) isPsValue() {}

// NewComplexObject returns a ComplexObject with empty property maps and
// StandardContent.
func NewComplexObject(typeNames ...string) *ComplexObject {
	return &ComplexObject{
		TypeNames: typeNames,
		Extended:  NewPropertyMap(),
		Adapted:   NewPropertyMap(),
		Content:   StandardContent{},
	}
}

// IsEnum reports whether any type name contains "Enum", the heuristic
// the deserializer uses to recognize enum-shaped objects.
func (o *ComplexObject) IsEnum() bool {
	for _, t := range o.TypeNames {
		if strings.Contains(t, "Enum") {
			return true
		}
	}
	return false
}

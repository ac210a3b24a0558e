package serialization

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Emitter renders a PsValue graph to CLIXML bytes, assigning RefIds to
// ComplexObjects and type-name lists on first emission and substituting
// <Ref>/<TNRef> on reuse. One Emitter corresponds to one document: ref
// tables are scoped to its lifetime, matching the Deserializer's Context.
type Emitter struct {
	nextObjRef int
	objRefs    map[*ComplexObject]int

	nextTNRef int
	tnRefs    map[string]int
}

// NewEmitter returns an Emitter with fresh reference tables.
func NewEmitter() *Emitter {
	return &Emitter{
		objRefs: make(map[*ComplexObject]int),
		tnRefs:  make(map[string]int),
	}
}

// Emit renders v and appends it to b.
func (e *Emitter) Emit(b *strings.Builder, v PsValue) error {
	switch val := v.(type) {
	case Primitive:
		e.emitPrimitive(b, val)
		return nil
	case *ComplexObject:
		return e.emitObj(b, val)
	default:
		return fmt.Errorf("clixml: unknown PsValue type %T", v)
	}
}

// EmitDocument renders a sequence of top-level values.
func (e *Emitter) EmitDocument(values ...PsValue) ([]byte, error) {
	var b strings.Builder
	for _, v := range values {
		if err := e.Emit(&b, v); err != nil {
			return nil, err
		}
	}
	return []byte(b.String()), nil
}

func (e *Emitter) emitPrimitive(b *strings.Builder, p Primitive) {
	tag := elementName[p.Kind]
	switch p.Kind {
	case KindBytes, KindSecureString:
		b.WriteString("<" + tag + ">")
		b.WriteString(base64.StdEncoding.EncodeToString(p.Bin))
		b.WriteString("</" + tag + ">")
	case KindNil:
		b.WriteString("<" + tag + "/>")
	case KindString:
		b.WriteString("<" + tag + ">")
		b.WriteString(xmlEscapeText(EncodePSEscapes(p.Text)))
		b.WriteString("</" + tag + ">")
	default:
		b.WriteString("<" + tag + ">")
		b.WriteString(xmlEscapeText(p.Text))
		b.WriteString("</" + tag + ">")
	}
}

func (e *Emitter) emitObj(b *strings.Builder, obj *ComplexObject) error {
	if refID, seen := e.objRefs[obj]; seen {
		fmt.Fprintf(b, `<Ref RefId="%d"/>`, refID)
		return nil
	}
	refID := e.nextObjRef
	e.nextObjRef++
	e.objRefs[obj] = refID

	fmt.Fprintf(b, `<Obj RefId="%d">`, refID)

	if len(obj.TypeNames) > 0 {
		e.emitTypeNames(b, obj.TypeNames)
	}
	if obj.ToString != nil {
		b.WriteString("<ToString>")
		b.WriteString(xmlEscapeText(EncodePSEscapes(*obj.ToString)))
		b.WriteString("</ToString>")
	}

	switch content := obj.Content.(type) {
	case StandardContent:
		// no distinguished payload
	case ExtendedPrimitiveContent:
		e.emitPrimitive(b, content.Value)
	case EnumContent:
		b.WriteString("<ToString>")
		b.WriteString(xmlEscapeText(content.Name))
		b.WriteString("</ToString>")
		e.emitPrimitive(b, I32(content.Value))
	case ContainerContent:
		if err := e.emitContainer(b, content.Container); err != nil {
			return err
		}
	default:
		return fmt.Errorf("clixml: unknown content type %T", obj.Content)
	}

	if obj.Adapted.Len() > 0 {
		b.WriteString("<Props>")
		if err := e.emitProperties(b, obj.Adapted); err != nil {
			return err
		}
		b.WriteString("</Props>")
	}
	if obj.Extended.Len() > 0 {
		b.WriteString("<MS>")
		if err := e.emitProperties(b, obj.Extended); err != nil {
			return err
		}
		b.WriteString("</MS>")
	}

	b.WriteString("</Obj>")
	return nil
}

func (e *Emitter) emitTypeNames(b *strings.Builder, names []string) {
	key := strings.Join(names, "\x00")
	if refID, seen := e.tnRefs[key]; seen {
		fmt.Fprintf(b, `<TNRef RefId="%d"/>`, refID)
		return
	}
	refID := e.nextTNRef
	e.nextTNRef++
	e.tnRefs[key] = refID

	fmt.Fprintf(b, `<TN RefId="%d">`, refID)
	for _, n := range names {
		b.WriteString("<T>")
		b.WriteString(xmlEscapeText(n))
		b.WriteString("</T>")
	}
	b.WriteString("</TN>")
}

func (e *Emitter) emitProperties(b *strings.Builder, props *PropertyMap) error {
	var emitErr error
	props.Each(func(name string, value PsValue) {
		if emitErr != nil {
			return
		}
		tagged, err := e.taggedElement(name, value)
		if err != nil {
			emitErr = err
			return
		}
		b.WriteString(tagged)
	})
	return emitErr
}

// taggedElement emits a property value with its name attached via an N
// attribute on the value's own element.
func (e *Emitter) taggedElement(name string, v PsValue) (string, error) {
	var inner strings.Builder
	if err := e.Emit(&inner, v); err != nil {
		return "", err
	}
	rendered := inner.String()
	return injectNAttr(rendered, name), nil
}

// injectNAttr splices an N="…" attribute into the first (only) top-level
// element's opening tag.
func injectNAttr(xmlFrag, name string) string {
	if xmlFrag == "" {
		return xmlFrag
	}
	end := strings.IndexAny(xmlFrag, " >")
	if end < 0 {
		return xmlFrag
	}
	// A self-closing element with no attributes (<Nil/>) ends its opening
	// tag with "/>"; the attribute goes before the slash.
	if xmlFrag[end] == '>' && end > 0 && xmlFrag[end-1] == '/' {
		end--
	}
	nAttr := ` N="` + xmlEscapeAttr(name) + `"`
	return xmlFrag[:end] + nAttr + xmlFrag[end:]
}

func (e *Emitter) emitContainer(b *strings.Builder, c Container) error {
	switch c.Kind {
	case ContainerDict:
		b.WriteString("<DCT>")
		for _, entry := range c.Entries {
			b.WriteString("<En>")
			keyFrag, err := e.taggedElement("Key", entry.Key)
			if err != nil {
				return err
			}
			b.WriteString(keyFrag)
			valFrag, err := e.taggedElement("Value", entry.Value)
			if err != nil {
				return err
			}
			b.WriteString(valFrag)
			b.WriteString("</En>")
		}
		b.WriteString("</DCT>")
		return nil
	default:
		tag := containerElement[c.Kind]
		b.WriteString("<" + tag + ">")
		for _, item := range c.Items {
			if err := e.Emit(b, item); err != nil {
				return err
			}
		}
		b.WriteString("</" + tag + ">")
		return nil
	}
}

func xmlEscapeText(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}

func xmlEscapeAttr(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}

package serialization

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
)

// Context carries the two reference tables CLIXML parsing needs for the
// lifetime of one top-level document parse.
type Context struct {
	typeRefs   map[string][]string
	objectRefs map[string]*ComplexObject
	depth      int
}

// maxDepth bounds recursion against deeply nested CLIXML.
const maxDepth = 256

// NewContext returns an empty deserialization Context.
func NewContext() *Context {
	return &Context{
		typeRefs:   make(map[string][]string),
		objectRefs: make(map[string]*ComplexObject),
	}
}

// ParseDocument parses CLIXML bytes into the top-level PsValue sequence.
// PSRP message payloads normally hold exactly one top-level element, but
// callers (e.g. a deserializer fed a whole stream's worth of concatenated
// payloads) may need more than one, so this always returns a slice.
func ParseDocument(data []byte) ([]PsValue, error) {
	ctx := NewContext()
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []PsValue
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("clixml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		// <Objs> is a transparent wrapper (Export-Clixml files and some
		// producers wrap their payloads in it); descend into it.
		if start.Name.Local == "Objs" {
			continue
		}
		v, err := ctx.parseValue(dec, start)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func attr(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// parseValue dispatches on the element's tag name: a primitive leaf, Obj,
// or Ref.
func (c *Context) parseValue(dec *xml.Decoder, start xml.StartElement) (PsValue, error) {
	c.depth++
	defer func() { c.depth-- }()
	if c.depth > maxDepth {
		return nil, fmt.Errorf("clixml: nesting exceeds %d levels", maxDepth)
	}

	tag := start.Name.Local
	switch tag {
	case "Obj":
		return c.parseObj(dec, start)
	case "Ref":
		refID, ok := attr(start, "RefId")
		if !ok {
			return nil, fmt.Errorf("clixml: <Ref> missing RefId")
		}
		obj, ok := c.objectRefs[refID]
		if !ok {
			return nil, fmt.Errorf("clixml: unresolved object ref %q", refID)
		}
		if err := skipElement(dec); err != nil {
			return nil, err
		}
		return obj, nil
	default:
		kind, ok := kindFromElement[tag]
		if !ok {
			return nil, fmt.Errorf("clixml: unknown tag %q", tag)
		}
		return c.parsePrimitive(dec, kind)
	}
}

func (c *Context) parsePrimitive(dec *xml.Decoder, kind PrimitiveKind) (Primitive, error) {
	text, err := readText(dec)
	if err != nil {
		return Primitive{}, err
	}
	p := Primitive{Kind: kind, Text: text}
	switch kind {
	case KindString:
		p.Text = DecodePSEscapes(text)
	case KindBytes, KindSecureString:
		if text != "" {
			b, err := decodeBase64(text)
			if err != nil {
				return Primitive{}, fmt.Errorf("clixml: invalid base64: %w", err)
			}
			p.Bin = b
		}
	}
	return p, nil
}

// readText consumes a leaf element body (chardata only) through its
// matching end tag and returns the concatenated character data.
func readText(dec *xml.Decoder) (string, error) {
	var buf bytes.Buffer
	depth := 1
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("clixml: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				return buf.String(), nil
			}
		}
	}
}

// skipElement consumes an already-opened element (its StartElement token
// already read) through its matching end tag, discarding content.
func skipElement(dec *xml.Decoder) error {
	depth := 1
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("clixml: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
}

func (c *Context) parseObj(dec *xml.Decoder, start xml.StartElement) (*ComplexObject, error) {
	obj := NewComplexObject()
	if refID, ok := attr(start, "RefId"); ok {
		c.objectRefs[refID] = obj
	}

	var sawContainer bool

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("clixml: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "Obj" {
				c.postProcessEnum(obj)
				return obj, nil
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "TN":
				names, err := c.parseTN(dec, t)
				if err != nil {
					return nil, err
				}
				obj.TypeNames = names
			case "TNRef":
				refID, ok := attr(t, "RefId")
				if !ok {
					return nil, fmt.Errorf("clixml: <TNRef> missing RefId")
				}
				names, ok := c.typeRefs[refID]
				if !ok {
					return nil, fmt.Errorf("clixml: unresolved type ref %q", refID)
				}
				obj.TypeNames = names
				if err := skipElement(dec); err != nil {
					return nil, err
				}
			case "ToString":
				text, err := readText(dec)
				if err != nil {
					return nil, err
				}
				text = DecodePSEscapes(text)
				obj.ToString = &text
			case "Props":
				if err := c.parseProperties(dec, obj.Adapted); err != nil {
					return nil, err
				}
			case "MS":
				if err := c.parseProperties(dec, obj.Extended); err != nil {
					return nil, err
				}
			case "LST", "STK", "QUE":
				items, err := c.parseOrderedContainer(dec, t)
				if err != nil {
					return nil, err
				}
				kind := map[string]ContainerKind{"LST": ContainerList, "STK": ContainerStack, "QUE": ContainerQueue}[t.Name.Local]
				obj.Content = ContainerContent{Container: Container{Kind: kind, Items: items}}
				sawContainer = true
			case "DCT":
				entries, err := c.parseDict(dec)
				if err != nil {
					return nil, err
				}
				obj.Content = ContainerContent{Container: Container{Kind: ContainerDict, Entries: entries}}
				sawContainer = true
			default:
				// A lone value element directly under Obj (not Props/MS)
				// is the ExtendedPrimitiveContent payload, unless a
				// container already claimed the content slot.
				if sawContainer {
					if err := skipElement(dec); err != nil {
						return nil, err
					}
					continue
				}
				v, err := c.parseValue(dec, t)
				if err != nil {
					return nil, err
				}
				if prim, ok := v.(Primitive); ok {
					obj.Content = ExtendedPrimitiveContent{Value: prim}
				}
			}
		}
	}
}

// postProcessEnum reinterprets an object whose type names name an Enum
// and whose content is a lone I32 as EnumContent.
func (c *Context) postProcessEnum(obj *ComplexObject) {
	if !obj.IsEnum() {
		return
	}
	prim, ok := obj.Content.(ExtendedPrimitiveContent)
	if !ok || prim.Value.Kind != KindI32 {
		return
	}
	name := ""
	if obj.ToString != nil {
		name = *obj.ToString
	}
	var n int32
	fmt.Sscanf(prim.Value.Text, "%d", &n)
	obj.Content = EnumContent{Name: name, Value: n}
}

func (c *Context) parseTN(dec *xml.Decoder, start xml.StartElement) ([]string, error) {
	var names []string
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("clixml: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "TN" {
				if refID, ok := attr(start, "RefId"); ok {
					c.typeRefs[refID] = names
				}
				return names, nil
			}
		case xml.StartElement:
			if t.Name.Local == "T" {
				text, err := readText(dec)
				if err != nil {
					return nil, err
				}
				names = append(names, text)
			} else {
				if err := skipElement(dec); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (c *Context) parseProperties(dec *xml.Decoder, into *PropertyMap) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("clixml: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			name, _ := attr(t, "N")
			name = DecodePSEscapes(name)
			v, err := c.parseValue(dec, t)
			if err != nil {
				return err
			}
			into.Set(name, v)
		}
	}
}

func (c *Context) parseOrderedContainer(dec *xml.Decoder, start xml.StartElement) ([]PsValue, error) {
	var items []PsValue
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("clixml: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return items, nil
			}
		case xml.StartElement:
			v, err := c.parseValue(dec, t)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
	}
}

func (c *Context) parseDict(dec *xml.Decoder) ([]DictEntry, error) {
	var entries []DictEntry
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("clixml: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "DCT" {
				return entries, nil
			}
		case xml.StartElement:
			if t.Name.Local != "En" {
				if err := skipElement(dec); err != nil {
					return nil, err
				}
				continue
			}
			entry, err := c.parseEntry(dec)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
}

func (c *Context) parseEntry(dec *xml.Decoder) (DictEntry, error) {
	var entry DictEntry
	for {
		tok, err := dec.Token()
		if err != nil {
			return entry, fmt.Errorf("clixml: %w", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "En" {
				return entry, nil
			}
		case xml.StartElement:
			name, _ := attr(t, "N")
			v, err := c.parseValue(dec, t)
			if err != nil {
				return entry, err
			}
			switch name {
			case "Key":
				entry.Key = v
			case "Value":
				entry.Value = v
			}
		}
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

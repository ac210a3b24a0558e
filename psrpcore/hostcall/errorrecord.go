package hostcall

import (
	"fmt"
	"strings"

	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// Verbosity selects how much of an ErrorRecord Render prints.
type Verbosity int

const (
	// Concise prints only the message.
	Concise Verbosity = iota
	// Normal adds the category summary and the script position.
	Normal
	// Full prints every field, including the exception type name and the
	// stack trace if present.
	Full
)

// ErrorRecord is a client-side rendering of a PSRP ErrorRecord message
// (MS-PSRP 2.2.2.24).
type ErrorRecord struct {
	Message           string
	CategoryName      string
	TargetName        string
	TargetType        string
	Reason            string
	ExceptionType     string
	ScriptStackTrace  string
	InvocationCommand string
	ScriptName        string
	ScriptLineNumber  int32
	OffsetInLine      int32
}

// ParseErrorRecord extracts an ErrorRecord from a PSRP ErrorRecord message
// payload.
func ParseErrorRecord(data []byte) (*ErrorRecord, error) {
	obj, err := parseObjPayload(data)
	if err != nil {
		return nil, err
	}
	er := &ErrorRecord{}
	er.Message, _ = nestedString(obj, "ErrorDetails", "Message")
	if er.Message == "" {
		er.Message, _ = nestedString(obj, "Exception", "Message")
	}
	er.CategoryName, _ = nestedString(obj, "CategoryInfo", "Category")
	er.TargetName, _ = nestedString(obj, "CategoryInfo", "TargetName")
	er.TargetType, _ = nestedString(obj, "CategoryInfo", "TargetType")
	er.Reason, _ = nestedString(obj, "CategoryInfo", "Reason")
	er.ExceptionType, _ = nestedString(obj, "Exception", "TypeName")
	if invocation, ok := obj.Extended.Get("InvocationInfo"); ok {
		if invObj, ok := invocation.(*serialization.ComplexObject); ok {
			er.InvocationCommand, _ = propString(invObj, "MyCommand")
			er.ScriptName, _ = propString(invObj, "ScriptName")
			if n, ok := propInt32(invObj, "ScriptLineNumber"); ok {
				er.ScriptLineNumber = n
			}
			if n, ok := propInt32(invObj, "OffsetInLine"); ok {
				er.OffsetInLine = n
			}
		}
	}
	if st, ok := propString(obj, "ScriptStackTrace"); ok {
		er.ScriptStackTrace = st
	}
	return er, nil
}

func nestedString(obj *serialization.ComplexObject, field, prop string) (string, bool) {
	v, ok := obj.Extended.Get(field)
	if !ok {
		return "", false
	}
	child, ok := v.(*serialization.ComplexObject)
	if !ok {
		return "", false
	}
	return propString(child, prop)
}

// Render formats the record at the requested verbosity.
func (e *ErrorRecord) Render(v Verbosity) string {
	if v == Concise {
		return e.Message
	}

	var b strings.Builder
	b.WriteString(e.Message)
	if e.CategoryName != "" || e.TargetName != "" {
		fmt.Fprintf(&b, "\n    + CategoryInfo          : %s (%s:%s) [%s], %s",
			e.CategoryName, e.TargetName, e.TargetType, e.InvocationCommand, e.Reason)
	}
	if e.ScriptName != "" {
		fmt.Fprintf(&b, "\n    + at %s:%d char:%d", e.ScriptName, e.ScriptLineNumber, e.OffsetInLine)
	}
	if v == Normal {
		return b.String()
	}

	if e.ExceptionType != "" {
		fmt.Fprintf(&b, "\n    + FullyQualifiedErrorId : %s", e.ExceptionType)
	}
	if e.ScriptStackTrace != "" {
		fmt.Fprintf(&b, "\n%s", e.ScriptStackTrace)
	}
	return b.String()
}

// InformationRecord is a client-side rendering of a PSRP
// InformationRecord message (MS-PSRP 2.2.2.30).
type InformationRecord struct {
	Message            string
	Source             string
	TimeGenerated      string
	Tags               []string
	User               string
	Computer           string
	ProcessID          uint32
	NativeThreadID     uint32
	ManagedThreadID    uint32
}

// ParseInformationRecord extracts an InformationRecord from a PSRP
// InformationRecord message payload.
func ParseInformationRecord(data []byte) (*InformationRecord, error) {
	obj, err := parseObjPayload(data)
	if err != nil {
		return nil, err
	}
	ir := &InformationRecord{}
	if msgData, ok := obj.Extended.Get("MessageData"); ok {
		if p, ok := msgData.(serialization.Primitive); ok {
			ir.Message = p.Text
		}
	}
	ir.Source, _ = propString(obj, "Source")
	ir.TimeGenerated, _ = propString(obj, "TimeGenerated")
	ir.User, _ = propString(obj, "User")
	ir.Computer, _ = propString(obj, "Computer")
	if v, ok := propInt32(obj, "ProcessId"); ok {
		ir.ProcessID = uint32(v)
	}
	if v, ok := propInt32(obj, "NativeThreadId"); ok {
		ir.NativeThreadID = uint32(v)
	}
	if v, ok := propInt32(obj, "ManagedThreadId"); ok {
		ir.ManagedThreadID = uint32(v)
	}
	if tagsVal, ok := obj.Extended.Get("Tags"); ok {
		if tagsObj, ok := tagsVal.(*serialization.ComplexObject); ok {
			if container, ok := tagsObj.Content.(serialization.ContainerContent); ok {
				for _, item := range container.Container.Items {
					if p, ok := item.(serialization.Primitive); ok {
						ir.Tags = append(ir.Tags, p.Text)
					}
				}
			}
		}
	}
	return ir, nil
}

func (i *InformationRecord) String() string {
	if i.Source != "" {
		return fmt.Sprintf("%s: %s", i.Source, i.Message)
	}
	return i.Message
}

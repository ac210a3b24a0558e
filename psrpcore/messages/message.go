// Package messages implements the PSRP message envelope: the 40-byte
// header plus opaque CLIXML payload (MS-PSRP 2.2.1), and the message type
// catalog (MS-PSRP 2.2.2).
package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// HeaderSize is the fixed PSRP message header length: 4 bytes
// destination + 4 bytes message type + 16 bytes rpid + 16 bytes pid.
const HeaderSize = 40

// Destination identifies who a message is addressed to.
type Destination uint32

// Destination values.
const (
	DestinationClient Destination = 1
	DestinationServer Destination = 2
)

func (d Destination) String() string {
	switch d {
	case DestinationClient:
		return "Client"
	case DestinationServer:
		return "Server"
	default:
		return fmt.Sprintf("Destination(%d)", uint32(d))
	}
}

// Type is a PSRP message type (MS-PSRP 2.2.1).
type Type uint32

// Message types this client emits and parses.
const (
	MessageTypeSessionCapability        Type = 0x00010002
	MessageTypeInitRunspacePool         Type = 0x00010004
	MessageTypePublicKey                Type = 0x00010005
	MessageTypeEncryptedSessionKey      Type = 0x00010006
	MessageTypePublicKeyRequest         Type = 0x00010007
	MessageTypeSetMaxRunspaces          Type = 0x00021002
	MessageTypeSetMinRunspaces          Type = 0x00021003
	MessageTypeRunspacePoolState        Type = 0x00021005
	MessageTypeCreatePipeline           Type = 0x00021006
	MessageTypeApplicationPrivateData   Type = 0x00021009
	MessageTypeConnectRunspacePool      Type = 0x00021008
	MessageTypeGetAvailableRunspaces    Type = 0x00021004
	MessageTypeRunspaceAvailability     Type = 0x0002100B
	MessageTypePipelineInput            Type = 0x00041002
	MessageTypeEndOfPipelineInput        Type = 0x00041003
	MessageTypePipelineOutput           Type = 0x00041004
	MessageTypeErrorRecord              Type = 0x00041005
	MessageTypePipelineState            Type = 0x00041006
	MessageTypeDebugRecord              Type = 0x00041007
	MessageTypeVerboseRecord            Type = 0x00041008
	MessageTypeWarningRecord            Type = 0x00041009
	MessageTypeProgressRecord           Type = 0x00041010
	MessageTypeInformationRecord        Type = 0x00041011
	MessageTypePipelineHostCall         Type = 0x00041100
	MessageTypePipelineHostResponse     Type = 0x00041101
	MessageTypeRunspacepoolHostCall     Type = 0x00021100
	MessageTypeRunspacepoolHostResponse Type = 0x00021101
)

var knownTypes = map[Type]string{
	MessageTypeSessionCapability:        "SessionCapability",
	MessageTypeInitRunspacePool:         "InitRunspacepool",
	MessageTypePublicKey:                "PublicKey",
	MessageTypeEncryptedSessionKey:      "EncryptedSessionKey",
	MessageTypePublicKeyRequest:         "PublicKeyRequest",
	MessageTypeSetMaxRunspaces:          "SetMaxRunspaces",
	MessageTypeSetMinRunspaces:          "SetMinRunspaces",
	MessageTypeRunspacePoolState:        "RunspacepoolState",
	MessageTypeCreatePipeline:           "CreatePipeline",
	MessageTypeApplicationPrivateData:   "ApplicationPrivateData",
	MessageTypeConnectRunspacePool:      "ConnectRunspacePool",
	MessageTypeGetAvailableRunspaces:    "GetAvailableRunspaces",
	MessageTypeRunspaceAvailability:     "RunspaceAvailability",
	MessageTypePipelineInput:            "PipelineInput",
	MessageTypeEndOfPipelineInput:       "EndOfPipelineInput",
	MessageTypePipelineOutput:           "PipelineOutput",
	MessageTypeErrorRecord:              "ErrorRecord",
	MessageTypePipelineState:            "PipelineState",
	MessageTypeDebugRecord:              "DebugRecord",
	MessageTypeVerboseRecord:            "VerboseRecord",
	MessageTypeWarningRecord:            "WarningRecord",
	MessageTypeProgressRecord:           "ProgressRecord",
	MessageTypeInformationRecord:        "InformationRecord",
	MessageTypePipelineHostCall:         "PipelineHostCall",
	MessageTypePipelineHostResponse:     "PipelineHostResponse",
	MessageTypeRunspacepoolHostCall:     "RunspacepoolHostCall",
	MessageTypeRunspacepoolHostResponse: "RunspacepoolHostResponse",
}

// Known reports whether t is a message type this implementation
// recognizes. The protocol version is fixed at negotiation time, so an
// unknown type is fatal, never silently ignored.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

func (t Type) String() string {
	if name, ok := knownTypes[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(0x%08X)", uint32(t))
}

// Message is a PowerShellRemotingMessage: a 40-byte header plus CLIXML
// payload.
type Message struct {
	Destination Destination
	Type        Type
	RunspaceID  uuid.UUID
	PipelineID  uuid.UUID
	Data        []byte
}

// Encode renders the message to its wire bytes: header followed by Data.
func (m *Message) Encode() ([]byte, error) {
	if m.Destination != DestinationClient && m.Destination != DestinationServer {
		return nil, fmt.Errorf("messages: unknown destination %v", m.Destination)
	}
	if !m.Type.Known() {
		return nil, fmt.Errorf("messages: unknown message type %v", m.Type)
	}
	buf := make([]byte, HeaderSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Destination))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Type))
	copy(buf[8:24], guidBytes(m.RunspaceID))
	copy(buf[24:40], guidBytes(m.PipelineID))
	copy(buf[40:], m.Data)
	return buf, nil
}

// Decode parses a complete message from data. The caller (the
// defragmenter) is responsible for ensuring data is exactly one
// reassembled message.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("messages: need at least %d header bytes, got %d", HeaderSize, len(data))
	}
	dest := Destination(binary.LittleEndian.Uint32(data[0:4]))
	if dest != DestinationClient && dest != DestinationServer {
		return nil, fmt.Errorf("messages: unknown destination %d", uint32(dest))
	}
	msgType := Type(binary.LittleEndian.Uint32(data[4:8]))
	if !msgType.Known() {
		return nil, fmt.Errorf("messages: unknown message type 0x%08X", uint32(msgType))
	}
	rpid, err := guidFromBytes(data[8:24])
	if err != nil {
		return nil, fmt.Errorf("messages: rpid: %w", err)
	}
	pid, err := guidFromBytes(data[24:40])
	if err != nil {
		return nil, fmt.Errorf("messages: pid: %w", err)
	}
	payload := make([]byte, len(data)-HeaderSize)
	copy(payload, data[HeaderSize:])

	return &Message{
		Destination: dest,
		Type:        msgType,
		RunspaceID:  rpid,
		PipelineID:  pid,
		Data:        payload,
	}, nil
}

// guidBytes renders a UUID the way .NET's Guid does on the wire: the first
// three fields little-endian, the last two (8-byte) fields big-endian.
// This is the layout PSRP headers use for rpid/pid.
func guidBytes(id uuid.UUID) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(b[8:16], id[8:16])
	return b
}

func guidFromBytes(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.UUID{}, fmt.Errorf("need 16 bytes, got %d", len(b))
	}
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(id[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(id[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(id[8:16], b[8:16])
	return id, nil
}

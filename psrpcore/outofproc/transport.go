// Package outofproc implements PowerShell's out-of-proc transport framing:
// the length-prefixed XML packet envelope used by non-WSMan backends (a
// Hyper-V socket, a local named pipe) to carry PSRP traffic without a
// SOAP/WS-Man layer (Data/Command/Signal/Close packets, each
// acknowledged).
package outofproc

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NullGUID is the all-zero GUID used for packets not addressed to a
// specific pipeline (e.g. RunspacePool-level data).
var NullGUID = uuid.UUID{}

// PacketType identifies one out-of-proc packet's XML element name.
type PacketType int

const (
	PacketTypeData PacketType = iota
	PacketTypeDataAck
	PacketTypeCommand
	PacketTypeCommandAck
	PacketTypeClose
	PacketTypeCloseAck
	PacketTypeSignal
	PacketTypeSignalAck
)

var packetElement = map[PacketType]string{
	PacketTypeData:       "Data",
	PacketTypeDataAck:    "DataAck",
	PacketTypeCommand:    "Command",
	PacketTypeCommandAck: "CommandAck",
	PacketTypeClose:      "Close",
	PacketTypeCloseAck:   "CloseAck",
	PacketTypeSignal:     "Signal",
	PacketTypeSignalAck:  "SignalAck",
}

var elementPacket = func() map[string]PacketType {
	m := make(map[string]PacketType, len(packetElement))
	for k, v := range packetElement {
		m[v] = k
	}
	return m
}()

// Packet is one decoded out-of-proc frame.
type Packet struct {
	Type   PacketType
	PSGuid uuid.UUID
	Data   []byte // only set for PacketTypeData
}

// Transport frames and unframes out-of-proc packets over an underlying
// byte stream (a pipe, a Hyper-V socket connection).
type Transport struct {
	mu sync.Mutex
	w  io.Writer
	r  *bufio.Reader
}

// NewTransportFromReadWriter wraps rw as an out-of-proc Transport.
func NewTransportFromReadWriter(rw io.ReadWriter) *Transport {
	return &Transport{w: rw, r: bufio.NewReader(rw)}
}

// writePacket frames one packet as "<decimal length>\n<xml>\n" and writes
// it.
func (t *Transport) writePacket(packetType PacketType, psGUID uuid.UUID, data []byte) error {
	var body string
	if packetType == PacketTypeData {
		body = fmt.Sprintf(`<Data PSGuid="%s">%s</Data>`, psGUID, base64.StdEncoding.EncodeToString(data))
	} else {
		body = fmt.Sprintf(`<%s PSGuid="%s" />`, packetElement[packetType], psGUID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.w, "%d\n", len(body)); err != nil {
		return fmt.Errorf("outofproc: write length: %w", err)
	}
	if _, err := io.WriteString(t.w, body); err != nil {
		return fmt.Errorf("outofproc: write body: %w", err)
	}
	_, err := io.WriteString(t.w, "\n")
	return err
}

// SendData sends a Data packet addressed to psGUID (NullGUID for the
// RunspacePool itself).
func (t *Transport) SendData(psGUID uuid.UUID, data []byte) error {
	return t.writePacket(PacketTypeData, psGUID, data)
}

// SendDataAck acknowledges a received Data packet.
func (t *Transport) SendDataAck(psGUID uuid.UUID) error {
	return t.writePacket(PacketTypeDataAck, psGUID, nil)
}

// SendCommand starts a new pipeline.
func (t *Transport) SendCommand(psGUID uuid.UUID) error {
	return t.writePacket(PacketTypeCommand, psGUID, nil)
}

// SendCloseAck acknowledges a Close packet.
func (t *Transport) SendCloseAck(psGUID uuid.UUID) error {
	return t.writePacket(PacketTypeCloseAck, psGUID, nil)
}

// SendSignal stops a pipeline.
func (t *Transport) SendSignal(psGUID uuid.UUID) error {
	return t.writePacket(PacketTypeSignal, psGUID, nil)
}

// SendSignalAck acknowledges a Signal packet.
func (t *Transport) SendSignalAck(psGUID uuid.UUID) error {
	return t.writePacket(PacketTypeSignalAck, psGUID, nil)
}

// ReceivePacket reads and decodes the next packet from the stream.
func (t *Transport) ReceivePacket() (Packet, error) {
	lengthLine, err := t.r.ReadString('\n')
	if err != nil {
		return Packet{}, err
	}
	length, err := strconv.Atoi(strings.TrimSpace(lengthLine))
	if err != nil {
		return Packet{}, fmt.Errorf("outofproc: invalid length line %q: %w", lengthLine, err)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(t.r, body); err != nil {
		return Packet{}, fmt.Errorf("outofproc: read body: %w", err)
	}
	// Discard the trailing newline terminator.
	if _, err := t.r.ReadByte(); err != nil {
		return Packet{}, fmt.Errorf("outofproc: read terminator: %w", err)
	}
	return parsePacket(body)
}

func parsePacket(body []byte) (Packet, error) {
	s := string(body)
	elementEnd := strings.IndexAny(s, " >")
	if !strings.HasPrefix(s, "<") || elementEnd < 1 {
		return Packet{}, fmt.Errorf("outofproc: malformed packet %q", s)
	}
	element := s[1:elementEnd]
	packetType, ok := elementPacket[element]
	if !ok {
		return Packet{}, fmt.Errorf("outofproc: unknown packet element %q", element)
	}

	guid, err := extractAttr(s, "PSGuid")
	if err != nil {
		return Packet{}, err
	}
	psGUID, err := uuid.Parse(guid)
	if err != nil {
		return Packet{}, fmt.Errorf("outofproc: invalid PSGuid %q: %w", guid, err)
	}

	p := Packet{Type: packetType, PSGuid: psGUID}
	if packetType == PacketTypeData {
		inner, err := extractText(s, element)
		if err != nil {
			return Packet{}, err
		}
		data, err := base64.StdEncoding.DecodeString(inner)
		if err != nil {
			return Packet{}, fmt.Errorf("outofproc: invalid base64 payload: %w", err)
		}
		p.Data = data
	}
	return p, nil
}

func extractAttr(s, attr string) (string, error) {
	marker := attr + `="`
	i := strings.Index(s, marker)
	if i < 0 {
		return "", fmt.Errorf("outofproc: attribute %s not found in %q", attr, s)
	}
	rest := s[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return "", fmt.Errorf("outofproc: unterminated attribute %s in %q", attr, s)
	}
	return rest[:j], nil
}

func extractText(s, element string) (string, error) {
	open := strings.IndexByte(s, '>')
	closeTag := "</" + element + ">"
	closeIdx := strings.LastIndex(s, closeTag)
	if open < 0 || closeIdx < 0 || closeIdx <= open+1 {
		return "", nil
	}
	return s[open+1 : closeIdx], nil
}

// Package runspace implements the PSRP session coordinator: the
// RunspacePool state machine, key exchange, and deferred host calls,
// layered as a blocking facade over the sans-IO
// serialization/fragments/messages/keyexchange packages.
package runspace

import (
	"fmt"
	"io"

	"github.com/wingate-labs/psrp-go/psrpcore/fragments"
)

// Transport is the raw byte stream a Pool reads fragments from and writes
// fragments to. Framing above this (multipart/encrypted, SOAP envelopes,
// WS-Man Send/Receive actions, a Hyper-V socket) is the caller's
// concern. A Pool never
// assumes message boundaries line up with Read boundaries: it parses each
// 21-byte fragment header directly off the stream, the same way the wider
// module's WS-Man and out-of-proc backends already frame PSRP traffic.
type Transport = io.ReadWriter

// readFragment reads exactly one fragment (header + payload) off r.
func readFragment(r io.Reader) (fragments.Fragment, error) {
	header := make([]byte, fragments.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fragments.Fragment{}, fmt.Errorf("runspace: read fragment header: %w", err)
	}
	length := fragmentPayloadLength(header)
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return fragments.Fragment{}, fmt.Errorf("runspace: read fragment payload: %w", err)
		}
	}
	f, _, err := fragments.Decode(append(header, payload...))
	if err != nil {
		return fragments.Fragment{}, fmt.Errorf("runspace: %w", err)
	}
	return f, nil
}

// fragmentPayloadLength reads the big-endian length field (bytes 17..21)
// out of a still-undecoded fragment header, so readFragment knows how many
// payload bytes follow before calling fragments.Decode on the whole thing.
func fragmentPayloadLength(header []byte) uint32 {
	return uint32(header[17])<<24 | uint32(header[18])<<16 | uint32(header[19])<<8 | uint32(header[20])
}

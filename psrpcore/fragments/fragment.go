// Package fragments implements PSRP message fragmentation and
// defragmentation: slicing variable-sized messages into ordered fragments
// over bounded transport envelopes, and reassembling them in the
// presence of interleaving (MS-PSRP 2.2.4).
package fragments

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the 21-byte fixed header every fragment carries ahead of
// its payload.
const HeaderSize = 21

const (
	flagStart byte = 1 << 0
	flagEnd   byte = 1 << 1
)

// Fragment is one slice of a larger PSRP message.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Data       []byte
}

// New builds a Fragment.
func New(objectID, fragmentID uint64, data []byte, start, end bool) Fragment {
	return Fragment{ObjectID: objectID, FragmentID: fragmentID, Start: start, End: end, Data: data}
}

// Encode renders the fragment to its wire form: 21-byte header + payload.
func (f Fragment) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Data))
	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)
	var flags byte
	if f.Start {
		flags |= flagStart
	}
	if f.End {
		flags |= flagEnd
	}
	buf[16] = flags
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Data)))
	copy(buf[21:], f.Data)
	return buf
}

// Decode parses one fragment from the front of data, returning it along
// with the unconsumed remainder.
func Decode(data []byte) (Fragment, []byte, error) {
	if len(data) < HeaderSize {
		return Fragment{}, nil, fmt.Errorf("fragments: need at least %d bytes, got %d", HeaderSize, len(data))
	}
	objectID := binary.BigEndian.Uint64(data[0:8])
	fragmentID := binary.BigEndian.Uint64(data[8:16])
	flags := data[16]
	length := binary.BigEndian.Uint32(data[17:21])

	end := HeaderSize + int(length)
	if len(data) < end {
		return Fragment{}, nil, fmt.Errorf("fragments: truncated, need %d bytes, have %d", end, len(data))
	}
	payload := make([]byte, length)
	copy(payload, data[HeaderSize:end])

	f := Fragment{
		ObjectID:   objectID,
		FragmentID: fragmentID,
		Start:      flags&flagStart != 0,
		End:        flags&flagEnd != 0,
		Data:       payload,
	}
	return f, data[end:], nil
}

package fragments

import "fmt"

type fragmentBuffer struct {
	data                []byte
	expectedFragmentID uint64
}

// Defragmenter reassembles Fragments into complete message byte buffers,
// tolerating interleaving of fragments from different objects.
type Defragmenter struct {
	buffers map[uint64]*fragmentBuffer
}

// NewDefragmenter returns an empty Defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{buffers: make(map[uint64]*fragmentBuffer)}
}

// PendingObjects reports how many objects currently have a partial
// buffer.
func (d *Defragmenter) PendingObjects() int { return len(d.buffers) }

// Feed processes one fragment, returning the complete message bytes if the
// fragment completed one (either a solitary start+end fragment, or the
// final fragment of a multi-part message), or ok=false otherwise.
//
// A fragment_id that doesn't match the expected next id for its object is
// a fatal sequencing error: no fragment is ever silently discarded.
func (d *Defragmenter) Feed(f Fragment) (msg []byte, ok bool, err error) {
	buf, exists := d.buffers[f.ObjectID]
	if !exists {
		buf = &fragmentBuffer{}
		d.buffers[f.ObjectID] = buf
	}

	if f.FragmentID != buf.expectedFragmentID {
		return nil, false, fmt.Errorf(
			"fragments: sequence error for object %d: expected fragment %d, got %d",
			f.ObjectID, buf.expectedFragmentID, f.FragmentID,
		)
	}

	if f.Start {
		buf.data = buf.data[:0]
		buf.expectedFragmentID = 0
	}

	buf.data = append(buf.data, f.Data...)
	buf.expectedFragmentID++

	if f.End {
		complete := buf.data
		delete(d.buffers, f.ObjectID)
		return complete, true, nil
	}
	return nil, false, nil
}

// FeedBytes decodes and feeds every fragment packed back-to-back in data,
// returning every message that completed. Returns an error (and stops) the
// moment a malformed fragment or sequence violation is found.
func (d *Defragmenter) FeedBytes(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		f, rest, err := Decode(data)
		if err != nil {
			return out, err
		}
		data = rest
		msg, ok, err := d.Feed(f)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

package fragments

// Fragmenter slices outbound message bytes into a sequence of Fragments,
// assigning a fresh monotonic object_id to every message.
type Fragmenter struct {
	outgoingCounter uint64
	maxFragmentSize int
}

// NewFragmenter returns a Fragmenter whose payload chunks are at most
// maxPayloadSize bytes. The size is net of the 21-byte header: callers
// deriving it from a transport MTU or MaxEnvelopeSize subtract HeaderSize
// themselves.
func NewFragmenter(maxPayloadSize int) *Fragmenter {
	if maxPayloadSize <= 0 {
		maxPayloadSize = 1
	}
	return &Fragmenter{outgoingCounter: 1, maxFragmentSize: maxPayloadSize}
}

// MaxFragmentSize returns the configured payload chunk size.
func (f *Fragmenter) MaxFragmentSize() int { return f.maxFragmentSize }

// Fragment slices one message's bytes into an ordered Fragment sequence
// carrying a freshly assigned object_id. An empty message still yields one
// (start, end) fragment with a zero-length payload.
func (f *Fragmenter) Fragment(data []byte) []Fragment {
	objectID := f.outgoingCounter
	f.outgoingCounter++
	return f.fragmentWithID(data, objectID)
}

func (f *Fragmenter) fragmentWithID(data []byte, objectID uint64) []Fragment {
	if len(data) == 0 {
		return []Fragment{New(objectID, 0, nil, true, true)}
	}

	var out []Fragment
	var fragmentID uint64
	for offset := 0; offset < len(data); {
		end := offset + f.maxFragmentSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		start := fragmentID == 0
		isEnd := end == len(data)
		out = append(out, New(objectID, fragmentID, chunk, start, isEnd))
		fragmentID++
		offset = end
	}
	return out
}

// FragmentMultiple fragments a sequence of independent messages and
// groups the resulting fragments into batches; each batch is one WS-Man
// Send, capped at 10 fragments. The cap is an empirical heuristic, not
// part of the published protocol.
func (f *Fragmenter) FragmentMultiple(messages [][]byte) [][]Fragment {
	const maxFragmentsPerGroup = 10

	var groups [][]Fragment
	var current []Fragment

	for _, msg := range messages {
		frags := f.Fragment(msg)
		if len(current)+len(frags) > maxFragmentsPerGroup && len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, frags...)
		for len(current) > maxFragmentsPerGroup {
			groups = append(groups, current[:maxFragmentsPerGroup:maxFragmentsPerGroup])
			current = current[maxFragmentsPerGroup:]
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

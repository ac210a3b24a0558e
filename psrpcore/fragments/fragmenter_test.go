package fragments

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// For any message and any max payload size, defragmenting a fragmented
// message yields exactly that message back.
func TestFragmentRoundTrip(t *testing.T) {
	messages := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte("x"), 100),
		bytes.Repeat([]byte("PowerShellRemotingProtocol"), 50),
	}

	for _, maxSize := range []int{1, 22, 37, 1024} {
		for _, msg := range messages {
			frag := NewFragmenter(maxSize)
			pieces := frag.Fragment(msg)
			require.NotEmpty(t, pieces)

			defrag := NewDefragmenter()
			var got []byte
			for i, p := range pieces {
				out, ok, err := defrag.Feed(p)
				require.NoError(t, err)
				if i < len(pieces)-1 {
					assert.False(t, ok, "message completed before the last fragment")
				} else {
					require.True(t, ok, "last fragment did not complete the message")
					got = out
				}
			}
			assert.Equal(t, msg, got)
			assert.Equal(t, 0, defrag.PendingObjects())
		}
	}
}

func TestFragmentSolitaryHasStartAndEnd(t *testing.T) {
	f := NewFragmenter(1024)
	pieces := f.Fragment([]byte("one shot"))
	require.Len(t, pieces, 1)
	assert.True(t, pieces[0].Start)
	assert.True(t, pieces[0].End)
}

func TestFragmentEmptyMessageYieldsOneFragment(t *testing.T) {
	f := NewFragmenter(1024)
	pieces := f.Fragment(nil)
	require.Len(t, pieces, 1)
	assert.True(t, pieces[0].Start)
	assert.True(t, pieces[0].End)
	assert.Empty(t, pieces[0].Data)
}

func TestFragmentObjectIDMonotonic(t *testing.T) {
	f := NewFragmenter(1024)
	first := f.Fragment([]byte("a"))
	second := f.Fragment([]byte("b"))
	assert.Equal(t, first[0].ObjectID+1, second[0].ObjectID)
}

func TestFragmentMultipleBatchesAtTenFragments(t *testing.T) {
	f := NewFragmenter(4) // small chunks to force many fragments
	var msgs [][]byte
	for i := 0; i < 6; i++ {
		msgs = append(msgs, bytes.Repeat([]byte("Z"), 10)) // 3 fragments each at size 4
	}

	groups := f.FragmentMultiple(msgs)
	require.NotEmpty(t, groups)
	for _, g := range groups {
		assert.LessOrEqual(t, len(g), 10)
	}

	var total int
	for _, g := range groups {
		total += len(g)
	}
	assert.Equal(t, 18, total) // 6 messages * 3 fragments
}

func TestFragmentMultiplePreservesOrder(t *testing.T) {
	f := NewFragmenter(1024)
	groups := f.FragmentMultiple([][]byte{[]byte("first"), []byte("second"), []byte("third")})

	defrag := NewDefragmenter()
	var got [][]byte
	for _, g := range groups {
		for _, frag := range g {
			if out, ok, err := defrag.Feed(frag); err == nil && ok {
				got = append(got, out)
			}
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, []byte("first"), got[0])
	assert.Equal(t, []byte("second"), got[1])
	assert.Equal(t, []byte("third"), got[2])
}

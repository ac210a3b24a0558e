package hostcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeferredQueueFIFOOrder(t *testing.T) {
	q := NewDeferredQueue()
	assert.Equal(t, 0, q.Len())

	q.Push(Call{CallID: 1})
	q.Push(Call{CallID: 2})
	q.Push(Call{CallID: 3})
	assert.Equal(t, 3, q.Len())

	drained := q.Drain()
	assert.Equal(t, []int64{1, 2, 3}, []int64{drained[0].CallID, drained[1].CallID, drained[2].CallID})
	assert.Equal(t, 0, q.Len())
}

func TestDeferredQueueDrainEmptiesQueue(t *testing.T) {
	q := NewDeferredQueue()
	q.Push(Call{CallID: 1})
	q.Drain()
	assert.Empty(t, q.Drain())
}

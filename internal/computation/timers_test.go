package computation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerQueue(t *testing.T) {
	q := newTimerQueue()
	_, ok := q.next()
	assert.False(t, ok)

	q.set("b", 20)
	q.set("a", 20)
	q.set("c", 10)
	q.set("d", 40)
	// setting a key again replaces its timer
	q.set("d", 30)
	assert.Equal(t, 4, q.len())

	next, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, int64(10), next)

	assert.Empty(t, q.expired(5))
	expired := q.expired(20)
	require.Len(t, expired, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{expired[0].key, expired[1].key, expired[2].key})
	assert.Equal(t, 1, q.len())

	expired = q.expired(100)
	require.Len(t, expired, 1)
	assert.Equal(t, timer{timestamp: 30, key: "d"}, expired[0])
	assert.Zero(t, q.len())
}

func TestAssign(t *testing.T) {
	sizes := map[string]int{"a": 4, "b": 2}
	slots := assign([]string{"a", "b"}, sizes, 3)
	require.Len(t, slots, 3)
	assert.Len(t, slots[0], 3) // a-0, a-3, b-0
	assert.Len(t, slots[1], 2) // a-1, b-1
	assert.Len(t, slots[2], 1) // a-2
	assert.Equal(t, "a", slots[2][0].Stream)
	assert.Equal(t, 2, slots[2][0].Partition)

	assert.Nil(t, assign([]string{"a"}, sizes, 0))
}

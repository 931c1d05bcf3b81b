package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRetryIsTakenBeforeOlderItems(t *testing.T) {
	q := NewQueue(phones(1, 2, 3))

	c, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(3), c.Phone)

	q.Retry(c)
	next, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(3), next.Phone)
	next, _ = q.Pop()
	assert.Equal(t, int64(2), next.Phone)
}

func TestQueueDeferGoesLast(t *testing.T) {
	q := NewQueue(phones(1, 2, 3))
	item, _ := q.Pop()
	q.Defer(item)
	assert.Equal(t, []int64{3, 1, 2}, queuePhones(q))

	peeked, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, int64(2), peeked.Phone)
	assert.Equal(t, 3, q.Len())
}

func TestQueueEmpty(t *testing.T) {
	q := NewQueue(nil)
	_, ok := q.Pop()
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

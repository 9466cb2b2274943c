package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tavern/internal/customers"
)

func ident(id string) *customers.Identity {
	return &customers.Identity{ID: customers.CustomerID(id), Mood: customers.MoodBusy, PayoutMultiplier: 1}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(3, OverflowReject)

	require.NoError(t, q.Enqueue(ident("a")))
	require.NoError(t, q.Enqueue(ident("b")))
	require.NoError(t, q.Enqueue(ident("c")))
	assert.Equal(t, 3, q.Len())
	assert.True(t, q.Full())

	entries := q.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[2].Seq)

	for _, want := range []string{"a", "b", "c"} {
		c, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, customers.CustomerID(want), c.ID)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_OverflowReject(t *testing.T) {
	q := NewQueue(1, OverflowReject)
	require.NoError(t, q.Enqueue(ident("a")))

	err := q.Enqueue(ident("b"))
	assert.ErrorIs(t, err, ErrOverflowRejected)
	assert.Equal(t, 1, q.Len())

	c, _ := q.Dequeue()
	assert.Equal(t, customers.CustomerID("a"), c.ID)
}

func TestQueue_OverflowDropOldest(t *testing.T) {
	q := NewQueue(2, OverflowDropOldest)
	var evicted []customers.CustomerID
	q.OnEvict = func(c *customers.Identity) { evicted = append(evicted, c.ID) }

	require.NoError(t, q.Enqueue(ident("a")))
	require.NoError(t, q.Enqueue(ident("b")))
	require.NoError(t, q.Enqueue(ident("c")))

	assert.Equal(t, []customers.CustomerID{"a"}, evicted)
	c, _ := q.Dequeue()
	assert.Equal(t, customers.CustomerID("b"), c.ID)
}

func TestQueue_DrainAndCapacity(t *testing.T) {
	q := NewQueue(0, OverflowReject)
	assert.Equal(t, 1, q.Cap())

	q = NewQueue(4, OverflowReject)
	require.NoError(t, q.Enqueue(ident("a")))
	require.NoError(t, q.Enqueue(ident("b")))

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, customers.CustomerID("a"), drained[0].ID)
	assert.Equal(t, 0, q.Len())
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, OverflowDropOldest, p)

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowReject, p)

	_, err = ParseOverflowPolicy("shove")
	assert.Error(t, err)
}

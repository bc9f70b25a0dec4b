package lib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPendingMessage(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newPendingMessage("hello", now)

	assert.True(t, ValidConnectionID(m.ID), m.ID)
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, 1, m.Tries)
	assert.Equal(t, now, m.EnqueuedAt)
	assert.True(t, m.SentAt.IsZero())
	assert.Equal(t, 5, m.Size())

	other := newPendingMessage("hello", now)
	assert.NotEqual(t, m.ID, other.ID)
}

func TestMessageQueueFIFO(t *testing.T) {
	var q messageQueue
	assert.Nil(t, q.peek())
	assert.Nil(t, q.pop())

	now := time.Now()
	a, b, c := newPendingMessage("a", now), newPendingMessage("b", now), newPendingMessage("c", now)
	q.push(a)
	q.push(b)
	require.Equal(t, 2, q.len())
	assert.Same(t, a, q.peek())
	assert.Same(t, a, q.pop())

	q.push(c)
	assert.Same(t, b, q.pop())
	assert.Same(t, c, q.pop())
	assert.Equal(t, 0, q.len())

	q.push(a)
	q.clear()
	assert.Equal(t, 0, q.len())
	assert.Nil(t, q.peek())
}

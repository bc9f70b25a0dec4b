package lib

import (
	"time"

	"github.com/benbjohnson/clock"
)

// PendingMessage is an outgoing message from the moment it is queued until
// the peer confirms it or the connection gives up on it.
type PendingMessage struct {
	ID         string
	Text       string
	Tries      int
	EnqueuedAt time.Time
	SentAt     time.Time

	retransmitTimer *clock.Timer
}

func newPendingMessage(text string, now time.Time) *PendingMessage {
	return &PendingMessage{
		ID:         newID(),
		Text:       text,
		Tries:      1,
		EnqueuedAt: now,
	}
}

// Size is the byte count the congestion controller accounts for.
func (m *PendingMessage) Size() int {
	return len(m.Text)
}

func (m *PendingMessage) stopTimer() {
	if m.retransmitTimer != nil {
		m.retransmitTimer.Stop()
		m.retransmitTimer = nil
	}
}

// messageQueue is a FIFO of pending messages.
type messageQueue struct {
	items []*PendingMessage
}

func (q *messageQueue) push(m *PendingMessage) {
	q.items = append(q.items, m)
}

func (q *messageQueue) peek() *PendingMessage {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *messageQueue) pop() *PendingMessage {
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return m
}

func (q *messageQueue) len() int {
	return len(q.items)
}

func (q *messageQueue) clear() {
	q.items = nil
}

package runtime

import (
	"encoding/json"
	"sync/atomic"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

// queuedMessage is one buffered inbound event. seq is strictly increasing per
// instance and records arrival order.
type queuedMessage struct {
	event   string
	payload json.RawMessage
	seq     uint64
}

// messageQueue buffers inbound events while the instance cannot deliver them
// to handlers. Unbounded, consumed exactly once in FIFO order.
type messageQueue struct {
	q   *queuepkg.Queue
	seq uint64
}

func newMessageQueue() *messageQueue {
	return &messageQueue{q: queuepkg.New(16)}
}

func (m *messageQueue) enqueue(event string, payload json.RawMessage) {
	msg := queuedMessage{
		event:   event,
		payload: payload,
		seq:     atomic.AddUint64(&m.seq, 1),
	}
	// Put only fails on a disposed queue, which means the instance was
	// destroyed; the message is dropped with the rest of the queue.
	_ = m.q.Put(msg)
}

// drainInto pops all buffered messages in arrival order and hands each to
// deliver. Messages enqueued while draining are picked up by the next round.
func (m *messageQueue) drainInto(deliver func(event string, payload json.RawMessage)) {
	for {
		n := m.q.Len()
		if n == 0 {
			return
		}
		items, err := m.q.Get(n)
		if err != nil {
			return
		}
		for _, item := range items {
			msg, ok := item.(queuedMessage)
			if !ok {
				continue
			}
			deliver(msg.event, msg.payload)
		}
	}
}

func (m *messageQueue) len() int64 {
	return m.q.Len()
}

// discard releases the queue. Further enqueues are no-ops.
func (m *messageQueue) discard() {
	m.q.Dispose()
}

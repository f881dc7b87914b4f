package mesh6

// sendQueue holds payloads accepted while no session exists yet. It is
// a bounded FIFO that drops the oldest entry on overflow; callers
// serialize access.
type sendQueue struct {
	items   [][]byte
	max     int
	dropped uint64
}

func newSendQueue(max int) *sendQueue {
	return &sendQueue{max: max}
}

// push appends a payload, reporting whether the oldest entry had to be
// dropped to make room.
func (q *sendQueue) push(payload []byte) bool {
	overflow := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
		overflow = true
	}
	q.items = append(q.items, payload)
	return overflow
}

// drain empties the queue and returns its contents in send order.
func (q *sendQueue) drain() [][]byte {
	out := q.items
	q.items = nil
	return out
}

func (q *sendQueue) len() int { return len(q.items) }

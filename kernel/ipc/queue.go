package ipc

// message is a queued envelope whose payload is channel-owned.
type message struct {
	env Envelope
}

// queue is a FIFO ring of messages. It grows on demand up to the channel
// capacity; head and tail are free-running counters.
type queue struct {
	head  uint32
	tail  uint32
	slots []message
	bytes int
}

func (q *queue) len() int { return int(q.head - q.tail) }

func (q *queue) push(msg message) {
	if q.len() == len(q.slots) {
		q.grow()
	}
	q.slots[q.head%uint32(len(q.slots))] = msg
	q.head++
	q.bytes += len(msg.env.Payload)
}

func (q *queue) grow() {
	n := len(q.slots) * 2
	if n == 0 {
		n = 4
	}
	slots := make([]message, n)
	for i := 0; i < q.len(); i++ {
		slots[i] = q.at(i)
	}
	q.head = uint32(q.len())
	q.tail = 0
	q.slots = slots
}

func (q *queue) at(i int) message {
	return q.slots[(q.tail+uint32(i))%uint32(len(q.slots))]
}

// removeAt takes the i-th oldest message out, keeping the rest in order.
func (q *queue) removeAt(i int) message {
	n := uint32(len(q.slots))
	msg := q.at(i)
	for j := i; j > 0; j-- {
		q.slots[(q.tail+uint32(j))%n] = q.slots[(q.tail+uint32(j-1))%n]
	}
	q.slots[q.tail%n] = message{}
	q.tail++
	q.bytes -= len(msg.env.Payload)
	return msg
}

// find returns the index of the oldest message matching fn.
func (q *queue) find(fn func(*Envelope) bool) (int, bool) {
	for i := 0; i < q.len(); i++ {
		env := q.at(i).env
		if fn(&env) {
			return i, true
		}
	}
	return 0, false
}

// reset drops every queued message and returns the payload bytes released.
func (q *queue) reset() int {
	released := q.bytes
	*q = queue{}
	return released
}

package sched

import (
	"container/heap"

	"sparkcore/kernel"
)

// readyQueue orders READY threads by priority (higher first), then by the
// sequence number stamped when they became ready (FIFO within a priority).
type readyQueue struct {
	ids   []kernel.ThreadID
	slots *[kernel.MaxThreads]slot
}

func (q *readyQueue) Len() int { return len(q.ids) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := &q.slots[q.ids[i]], &q.slots[q.ids[j]]
	if a.desc.Priority != b.desc.Priority {
		return a.desc.Priority > b.desc.Priority
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.ids[i], q.ids[j] = q.ids[j], q.ids[i]
	q.slots[q.ids[i]].index = i
	q.slots[q.ids[j]].index = j
}

func (q *readyQueue) Push(x any) {
	id := x.(kernel.ThreadID)
	q.slots[id].index = len(q.ids)
	q.ids = append(q.ids, id)
}

func (q *readyQueue) Pop() any {
	n := len(q.ids)
	id := q.ids[n-1]
	q.ids = q.ids[:n-1]
	q.slots[id].index = -1
	return id
}

func (q *readyQueue) push(id kernel.ThreadID) {
	heap.Push(q, id)
}

func (q *readyQueue) remove(id kernel.ThreadID) {
	if i := q.slots[id].index; i >= 0 {
		heap.Remove(q, i)
	}
}

func (q *readyQueue) pop() (kernel.ThreadID, bool) {
	if len(q.ids) == 0 {
		return 0, false
	}
	return heap.Pop(q).(kernel.ThreadID), true
}

func (q *readyQueue) peek() (kernel.ThreadID, bool) {
	if len(q.ids) == 0 {
		return 0, false
	}
	return q.ids[0], true
}

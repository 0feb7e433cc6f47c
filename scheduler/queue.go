package scheduler

import (
	"container/heap"
	"time"
)

type entryState int

const (
	statePending entryState = iota
	stateDelayed
	stateInFlight
	stateActive
)

// entry is the scheduler's record of one task.
type entry struct {
	taskID     string
	base       float64
	complexity int
	deadline   *time.Time
	enqueuedAt time.Time
	readyAt    time.Time
	deferrals  int

	state    entryState
	priority float64
	index    int
	removed  bool
	released bool
	seq      uint64
}

// priorityQueue is a max-heap on priority; equal priorities pop in
// insertion order.
type priorityQueue []*entry

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priorityQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// delayQueue is a min-heap on readyAt.
type delayQueue []*entry

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if !q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].readyAt.Before(q[j].readyAt)
	}
	return q[i].seq < q[j].seq
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// promoteDue moves every delayed entry whose readyAt has passed into the
// pending queue.
func promoteDue(delayed *delayQueue, pending *priorityQueue, now time.Time) int {
	var moved int
	for delayed.Len() > 0 && !(*delayed)[0].readyAt.After(now) {
		e := heap.Pop(delayed).(*entry)
		e.state = statePending
		heap.Push(pending, e)
		moved++
	}
	return moved
}

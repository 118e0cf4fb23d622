package proc

import (
	"container/heap"

	"nexusos/kernel/sync"
)

type sleeper struct {
	wakeAt uint64
	p      *Process
}

// sleeperHeap is a min-heap of sleepers keyed by wake tick.
type sleeperHeap []sleeper

func (h sleeperHeap) Len() int            { return len(h) }
func (h sleeperHeap) Less(i, j int) bool  { return h[i].wakeAt < h[j].wakeAt }
func (h sleeperHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleeperHeap) Push(x interface{}) { *h = append(*h, x.(sleeper)) }
func (h *sleeperHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = sleeper{}
	*h = old[:n-1]
	return s
}

// sleepQueue tracks sleeping processes. Entries whose process was woken or
// re-slept by other means are discarded when they reach the top.
type sleepQueue struct {
	lock sync.Spinlock
	h    sleeperHeap
}

func (q *sleepQueue) push(p *Process, wakeAt uint64) {
	q.lock.Acquire()
	heap.Push(&q.h, sleeper{wakeAt: wakeAt, p: p})
	q.lock.Release()
}

// expired pops every live sleeper whose wake tick is not after now.
func (q *sleepQueue) expired(now uint64) []*Process {
	var due []*Process

	q.lock.Acquire()
	for q.h.Len() != 0 && q.h[0].wakeAt <= now {
		s := heap.Pop(&q.h).(sleeper)
		if s.p.State() != StateSleeping || s.p.SleepUntil != s.wakeAt {
			continue
		}
		due = append(due, s.p)
	}
	q.lock.Release()

	return due
}

func (q *sleepQueue) len() int {
	q.lock.Acquire()
	defer q.lock.Release()
	return q.h.Len()
}

// Package scheduler distributes patch ids to the blocks of a kernel launch.
//
// Queue is a bounded multi-producer multi-consumer ring in the style of
// Vyukov's sequence-numbered queue: each slot carries a sequence counter that
// tells producers and consumers whose turn it is, so neither side takes a lock.
package scheduler

import (
	"runtime"
	"sync/atomic"

	"github.com/gogpu/dynmesh/internal/assert"
)

type slot struct {
	sequence atomic.Uint64
	id       uint32
}

// Queue holds patch ids waiting to be processed in the current pass.
type Queue struct {
	capacity uint64
	mask     uint64

	_pad0 [56]byte
	head  atomic.Uint64
	_pad1 [56]byte
	tail  atomic.Uint64
	_pad2 [56]byte

	slots []slot
}

// New returns an empty queue able to hold maxPatches ids.
func New(maxPatches uint32) *Queue {
	assert.That(maxPatches > 0, "scheduler: queue needs room for at least one patch")
	capacity := uint64(2)
	for capacity < uint64(maxPatches) {
		capacity <<= 1
	}
	q := &Queue{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    make([]slot, capacity),
	}
	q.reset()
	return q
}

// Capacity returns the number of slots.
func (q *Queue) Capacity() int { return int(q.capacity) }

func (q *Queue) reset() {
	q.head.Store(0)
	q.tail.Store(0)
	for i := range q.slots {
		q.slots[i].sequence.Store(uint64(i))
	}
}

// Push enqueues id. It reports false when the queue is full.
func (q *Queue) Push(id uint32) bool {
	for {
		pos := q.tail.Load()
		s := &q.slots[pos&q.mask]
		delta := int64(s.sequence.Load()) - int64(pos)
		switch {
		case delta == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.id = id
				s.sequence.Store(pos + 1)
				return true
			}
		case delta < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// Dequeue hands out one id. Each enqueued id goes to exactly one caller.
// ok is false when the queue is empty.
func (q *Queue) Dequeue() (id uint32, ok bool) {
	for {
		pos := q.head.Load()
		s := &q.slots[pos&q.mask]
		delta := int64(s.sequence.Load()) - int64(pos+1)
		switch {
		case delta == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				id = s.id
				s.sequence.Store(pos + q.capacity)
				return id, true
			}
		case delta < 0:
			return 0, false
		default:
			runtime.Gosched()
		}
	}
}

// IsEmpty is a non-blocking poll. While consumers are running the answer may
// already be stale when it returns.
func (q *Queue) IsEmpty() bool {
	return q.head.Load() >= q.tail.Load()
}

// Len returns the approximate number of queued ids.
func (q *Queue) Len() int {
	h, t := q.head.Load(), q.tail.Load()
	if t <= h {
		return 0
	}
	return int(t - h)
}

// Refill discards the queue contents and enqueues ids 0..n-1. It must not
// run concurrently with Push or Dequeue.
func (q *Queue) Refill(n uint32) {
	assert.That(uint64(n) <= q.capacity, "scheduler: refill with %d patches exceeds capacity %d", n, q.capacity)
	q.reset()
	for id := range n {
		q.Push(id)
	}
}

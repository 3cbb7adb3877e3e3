// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package portqueue implements the Broadcast Port Queue: a single ring
// of buffer ids delivered to every active consumer exactly once, with
// backpressure from the slowest reader.
//
// Unlike bufferpool and buffermeta, this structure is built around a
// shared mutex and per-consumer condition variables rather than CAS
// loops — a mutex, a "not_full" condvar, and one condvar per consumer
// slot directly, since Go's
// sync.Cond (like sync.Mutex) only arbitrates goroutines sharing one
// address space. A queue therefore lives in process-local memory, not a
// shm.Segment: this module's multi-process scenarios are exercised as
// cooperating goroutines mapping the same registry/pool/metadata
// segments, never as literally separate OS processes (see DESIGN.md).
package portqueue

import (
	"sync"
	"time"

	"code.hybscloud.com/mqcore/pkg/buffermeta"
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/mqid"
)

// MaxConsumers bounds a queue's consumer table.
const MaxConsumers = 32

// ConsumerID identifies a registered consumer slot.
type ConsumerID int

type consumerSlot struct {
	active bool
	head   uint64
	cond   *sync.Cond
}

// Queue is a fixed-capacity broadcast ring of buffer ids. Safe for
// concurrent use by any number of producer and consumer goroutines.
type Queue struct {
	mu      sync.Mutex
	notFull *sync.Cond

	capacity uint64
	ring     []uint64
	tail     uint64
	closed   bool

	consumers [MaxConsumers]consumerSlot

	meta *buffermeta.Table
}

// New creates a queue with the given fixed capacity (rounded up to at
// least 1), whose pushed buffer ids are tracked in meta — every push
// increments the refcount of the pushed id by the number of currently
// active consumers — one per consumer that will eventually pop it.
func New(capacity int, meta *buffermeta.Table) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		capacity: uint64(capacity),
		ring:     make([]uint64, capacity),
		meta:     meta,
	}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// RegisterConsumer finds an inactive consumer slot, joins it at the
// current tail (it will only observe future publications), and returns
// its id. Fails with mqerr.ErrNoConsumerSlot
// at capacity.
func (q *Queue) RegisterConsumer() (ConsumerID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.consumers {
		if !q.consumers[i].active {
			q.consumers[i].active = true
			q.consumers[i].head = q.tail
			q.consumers[i].cond = sync.NewCond(&q.mu)
			return ConsumerID(i), nil
		}
	}
	return -1, mqerr.ErrNoConsumerSlot
}

// UnregisterConsumer deactivates cid. Every id still between its head
// and the tail has its refcount released once — the pending references
// this consumer would otherwise have consumed. Wakes any producer
// blocked on this consumer being the slowest reader. Returns the ids
// whose refcount reached zero as a result, so a caller with a pool
// resolver on hand (block.Runtime's UnbindInput/UnbindAllInputs, which
// mqruntime.System.Reclaim drives) can free their pool block and
// metadata slot.
func (q *Queue) UnregisterConsumer(cid ConsumerID) ([]mqid.BufferID, error) {
	q.mu.Lock()
	if int(cid) < 0 || int(cid) >= len(q.consumers) || !q.consumers[cid].active {
		q.mu.Unlock()
		return nil, mqerr.ErrUnknownConn
	}
	c := &q.consumers[cid]
	var pending []mqid.BufferID
	for h := c.head; h < q.tail; h++ {
		pending = append(pending, mqid.BufferID(q.ring[h%q.capacity]))
	}
	c.active = false
	c.cond = nil
	q.notFull.Broadcast()
	q.mu.Unlock()

	var zeroed []mqid.BufferID
	for _, id := range pending {
		n, err := q.meta.SubRef(id, 1)
		if err == nil && n == 0 {
			zeroed = append(zeroed, id)
		}
	}
	return zeroed, nil
}

// activeConsumerCountLocked counts active slots; caller holds q.mu.
func (q *Queue) activeConsumerCountLocked() int {
	n := 0
	for i := range q.consumers {
		if q.consumers[i].active {
			n++
		}
	}
	return n
}

// minHeadLocked returns the minimum head cursor over active consumers,
// or tail if there are none (an empty queue from backpressure's point
// of view). Caller holds q.mu.
func (q *Queue) minHeadLocked() uint64 {
	min := q.tail
	any := false
	for i := range q.consumers {
		if q.consumers[i].active {
			if !any || q.consumers[i].head < min {
				min = q.consumers[i].head
			}
			any = true
		}
	}
	return min
}

// Push publishes id, blocking until room is available, the deadline
// passes, or the queue is closed. timeout==0 means non-blocking: a full
// queue returns mqerr.ErrWouldBlock immediately.
func (q *Queue) Push(id mqid.BufferID, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline, hasDeadline := deadlineFor(timeout)
	for q.tail-q.minHeadLocked() >= q.capacity {
		if q.closed {
			return mqerr.ErrQueueClosed
		}
		if timeout == 0 {
			return mqerr.ErrWouldBlock
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return mqerr.ErrTimeout
		}
		q.waitOnce(q.notFull, hasDeadline, deadline)
	}
	if q.closed {
		return mqerr.ErrQueueClosed
	}

	n := q.activeConsumerCountLocked()
	if n > 0 {
		if err := q.meta.AddRefN(id, uint32(n)); err != nil {
			return err
		}
	}

	q.ring[q.tail%q.capacity] = uint64(id)
	q.tail++

	for i := range q.consumers {
		if q.consumers[i].active {
			q.consumers[i].cond.Broadcast()
		}
	}
	return nil
}

// Pop retrieves the next id for consumer cid, blocking until one is
// available, the deadline passes, or the queue is closed. timeout==0
// means non-blocking.
func (q *Queue) Pop(cid ConsumerID, timeout time.Duration) (mqid.BufferID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if int(cid) < 0 || int(cid) >= len(q.consumers) || !q.consumers[cid].active {
		return 0, mqerr.ErrUnknownConn
	}
	c := &q.consumers[cid]

	deadline, hasDeadline := deadlineFor(timeout)
	for c.head == q.tail {
		if q.closed {
			return 0, mqerr.ErrQueueClosed
		}
		if timeout == 0 {
			return 0, mqerr.ErrWouldBlock
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return 0, mqerr.ErrTimeout
		}
		q.waitOnce(c.cond, hasDeadline, deadline)
	}

	id := q.ring[c.head%q.capacity]
	c.head++
	q.notFull.Broadcast()
	return mqid.BufferID(id), nil
}

// Close marks the queue closed and wakes every blocked producer and
// consumer; they observe mqerr.ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	for i := range q.consumers {
		if q.consumers[i].active {
			q.consumers[i].cond.Broadcast()
		}
	}
}

// HasRoom reports whether Push would currently succeed without
// blocking. Used by produce_output to pre-check every downstream queue
// before committing to a fan-out push (see block.Runtime.ProduceOutput).
func (q *Queue) HasRoom() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail-q.minHeadLocked() < q.capacity
}

// Pending returns the number of entries cid has not yet popped.
func (q *Queue) Pending(cid ConsumerID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(cid) < 0 || int(cid) >= len(q.consumers) || !q.consumers[cid].active {
		return 0, mqerr.ErrUnknownConn
	}
	return int(q.tail - q.consumers[cid].head), nil
}

// Len returns the number of unconsumed-by-someone entries still in the
// ring (tail minus the slowest active consumer's head), for tests and
// the inspector CLI.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.minHeadLocked())
}

func deadlineFor(timeout time.Duration) (time.Time, bool) {
	if timeout <= 0 {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}

// waitOnce waits on cond once. Go's sync.Cond has no native timed wait,
// so when a deadline applies a helper timer wakes the condition once it
// elapses; the caller's loop re-checks both the real condition and the
// deadline afterward, so a spurious or late wakeup never causes a wrong
// timeout.
func (q *Queue) waitOnce(cond *sync.Cond, hasDeadline bool, deadline time.Time) {
	if !hasDeadline {
		cond.Wait()
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	timer := time.AfterFunc(remaining, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
	cond.Wait()
	timer.Stop()
}

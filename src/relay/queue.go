package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/skyrelay/skyrelay/src/message"
)

// Policy selects the behavior of a full sink queue.
type Policy string

const (
	// PolicyBlock suspends upstream consumption until a slot frees.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the oldest queued event and counts the drop.
	PolicyDropOldest Policy = "dropOldest"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue is the bounded per-sink hand-off between the relay and a sink
// publisher. Delivery is at-least-once: Peek exposes the head without
// removing it, and only Ack (delivered) or Reject (payload rejected)
// consumes it, so a publisher restart redelivers the head. Ack and Reject
// verify the head is still the peeked event, so a concurrent dropOldest
// eviction never causes the replacement head to be consumed unpublished.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf    []*message.CanonicalEvent
	head   int
	count  int
	policy Policy
	closed bool

	drops     atomic.Uint64
	delivered atomic.Uint64
	rejected  atomic.Uint64
}

// QueueStats is a point-in-time snapshot for health reporting.
type QueueStats struct {
	Depth     int    `json:"depth"`
	Drops     uint64 `json:"drops"`
	Delivered uint64 `json:"delivered"`
	Rejected  uint64 `json:"rejected"`
}

func NewQueue(capacity int, policy Policy) *Queue {
	q := &Queue{
		buf:    make([]*message.CanonicalEvent, capacity),
		policy: policy,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// wake unblocks all waiters so they can observe context cancellation.
func (q *Queue) wake() {
	q.mu.Lock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Enqueue adds an event to the tail. Under PolicyBlock it suspends while the
// queue is full; under PolicyDropOldest it evicts the head instead. Returns
// ErrQueueClosed after Close, or the context error on cancellation.
func (q *Queue) Enqueue(ctx context.Context, ev *message.CanonicalEvent) error {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.count < len(q.buf) {
			break
		}
		if q.policy == PolicyDropOldest {
			q.popLocked()
			q.drops.Add(1)
			break
		}
		q.notFull.Wait()
	}

	q.buf[(q.head+q.count)%len(q.buf)] = ev
	q.count++
	q.notEmpty.Signal()
	return nil
}

// Peek returns the head event without consuming it, suspending while the
// queue is empty.
func (q *Queue) Peek(ctx context.Context) (*message.CanonicalEvent, error) {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.notEmpty.Wait()
	}
	return q.buf[q.head], nil
}

// Ack consumes the head after a successful publish. The peeked event is
// passed back: if a dropOldest eviction replaced the head while the publish
// was in flight, the ack is a no-op and the new head stays queued.
func (q *Queue) Ack(ev *message.CanonicalEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 || q.buf[q.head] != ev {
		return
	}
	q.popLocked()
	q.delivered.Add(1)
}

// Reject consumes the head after a permanent publish failure, with the same
// stale-head guard as Ack.
func (q *Queue) Reject(ev *message.CanonicalEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 || q.buf[q.head] != ev {
		return
	}
	q.popLocked()
	q.rejected.Add(1)
}

func (q *Queue) popLocked() {
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:     q.Len(),
		Drops:     q.drops.Load(),
		Delivered: q.delivered.Load(),
		Rejected:  q.rejected.Load(),
	}
}

// Close unblocks all waiters. Queued events are discarded; a relay shutting
// down does not drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Package queue provides the bounded per-agent priority queue.
//
// Ordering is (priority desc, enqueue time asc). When full, Put evicts the
// current lowest-priority/oldest entry to admit the new one — even when the
// new entry itself has lower priority than everything queued. Callers that
// care should check the evicted return value.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dayuer/agentbus-go/internal/message"
)

// ErrClosed is returned by Get/Put after Close.
var ErrClosed = errors.New("queue: closed")

type item struct {
	msg *message.AgentMessage
	seq int64 // tie-breaker: admission order stands in for timestamp
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded max-heap of messages, safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   itemHeap
	maxSize int
	nextSeq int64
	closed  bool
}

// New creates a queue holding at most maxSize messages (default 1000).
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	q := &Queue{maxSize: maxSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues msg. If the queue is full, the current minimum-priority entry
// is evicted and returned. Returns ErrClosed after Close.
func (q *Queue) Put(msg *message.AgentMessage) (evicted *message.AgentMessage, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	if len(q.items) >= q.maxSize {
		evicted = q.popMinLocked()
	}

	heap.Push(&q.items, &item{msg: msg, seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
	return evicted, nil
}

// popMinLocked removes and returns the lowest-priority, youngest-last entry.
func (q *Queue) popMinLocked() *message.AgentMessage {
	minIdx := 0
	for i := 1; i < len(q.items); i++ {
		if q.items.Less(minIdx, i) {
			minIdx = i
		}
	}
	it := q.items[minIdx]
	heap.Remove(&q.items, minIdx)
	return it.msg
}

// Get blocks until a message is available, the context is cancelled, or the
// queue is closed.
func (q *Queue) Get(ctx context.Context) (*message.AgentMessage, error) {
	// Wake the cond wait when ctx ends. The goroutine exits once Get returns;
	// it keeps broadcasting so a wakeup racing the Wait entry is not lost.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		for {
			q.cond.Broadcast()
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed {
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			return heap.Pop(&q.items).(*item).msg, nil
		}
		q.cond.Wait()
	}
}

// TryGet returns the highest-priority message without blocking.
func (q *Queue) TryGet() (*message.AgentMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*item).msg, true
}

// SweepExpired drops every expired message still waiting in the queue and
// returns how many were removed.
func (q *Queue) SweepExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}

	kept := make(itemHeap, 0, len(q.items))
	dropped := 0
	for _, it := range q.items {
		if it.msg.Expired() {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	if dropped > 0 {
		q.items = kept
		heap.Init(&q.items)
	}
	return dropped
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further Puts and wakes all blocked Gets.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

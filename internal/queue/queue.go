// Package queue holds a thread-safe FIFO used to buffer samples between a
// producer tick and slower sinks.
package queue

import (
	"sync"
)

// Queue is a generic thread-safe FIFO. With a positive limit the oldest
// items are dropped once the queue is full.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	dropped int
}

// NewBounded creates a queue holding at most limit items. limit <= 0 means
// unbounded.
func NewBounded[T any](limit int) *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
		limit: limit,
	}
}

// Push appends items and returns how many old items were evicted to make room.
func (q *Queue[T]) Push(items ...T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	if q.limit <= 0 || len(q.items) <= q.limit {
		return 0
	}
	over := len(q.items) - q.limit
	q.items = append(q.items[:0], q.items[over:]...)
	q.dropped += over
	return over
}

// Requeue puts items back at the front, e.g. after a failed write. Over the
// limit, the oldest items are dropped first.
func (q *Queue[T]) Requeue(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append(make([]T, 0, len(items)+len(q.items)), items...), q.items...)
	if q.limit > 0 && len(q.items) > q.limit {
		over := len(q.items) - q.limit
		q.items = q.items[over:]
		q.dropped += over
	}
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were evicted over the queue's lifetime.
func (q *Queue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain returns all items and clears the queue.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := q.items
	q.items = make([]T, 0, cap(q.items))
	return result
}

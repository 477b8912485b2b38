package subscription

import (
	"fmt"
	"sync"
)

// OverflowPolicy defines what a bounded queue does when it is full.
// The producer never blocks under any policy.
type OverflowPolicy int

const (
	// DropOldest evicts the head to make room for the new item.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy accepts "drop-oldest" (also the empty string) and "drop-newest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Stats counts queue traffic since creation.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Dequeued  uint64 `json:"dequeued"`
	Dropped   uint64 `json:"dropped"`
	HighWater int    `json:"high_water"`
}

// queue is a FIFO ring. capacity 0 means it grows without bound.
type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	size     int
	capacity int
	policy   OverflowPolicy
	stats    Stats
}

func newQueue[T any](capacity int, policy OverflowPolicy) *queue[T] {
	initial := 16
	if capacity > 0 {
		initial = capacity
	}
	return &queue[T]{
		items:    make([]T, initial),
		capacity: capacity,
		policy:   policy,
	}
}

// push appends item at the tail. It returns the item evicted or refused
// because of overflow, and the queue length afterwards.
func (q *queue[T]) push(item T) (dropped T, didDrop bool, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.items) {
		if q.capacity == 0 {
			q.grow()
		} else {
			q.stats.Dropped++
			switch q.policy {
			case DropNewest:
				return item, true, q.size
			default:
				dropped, didDrop = q.popLocked()
			}
		}
	}

	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.stats.Enqueued++
	if q.size > q.stats.HighWater {
		q.stats.HighWater = q.size
	}
	return dropped, didDrop, q.size
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.popLocked()
	if ok {
		q.stats.Dequeued++
	}
	return item, ok
}

func (q *queue[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return item, true
}

func (q *queue[T]) grow() {
	next := make([]T, len(q.items)*2)
	for i := 0; i < q.size; i++ {
		next[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = next
	q.head = 0
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *queue[T]) snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

package dispatch

import (
	"sync"

	"github.com/acme/session-dispatch/internal/domain"
)

// Queue holds the pending work of one run. Items are taken from the tail.
// A retried item goes back onto the tail so that it is the next one taken;
// a deferred item goes to the head and waits behind everything else.
type Queue struct {
	mu    sync.Mutex
	items []domain.WorkItem
}

// NewQueue copies items into a queue; the last element is processed first.
func NewQueue(items []domain.WorkItem) *Queue {
	q := &Queue{items: make([]domain.WorkItem, len(items))}
	copy(q.items, items)
	return q
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns the tail item without removing it.
func (q *Queue) Peek() (domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.WorkItem{}, false
	}
	return q.items[len(q.items)-1], true
}

// Pop removes and returns the tail item.
func (q *Queue) Pop() (domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return domain.WorkItem{}, false
	}
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item, true
}

// Retry puts item back so the next Pop returns it.
func (q *Queue) Retry(item domain.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Defer moves item behind every other pending item.
func (q *Queue) Defer(item domain.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, domain.WorkItem{})
	copy(q.items[1:], q.items)
	q.items[0] = item
}

// Snapshot returns a copy of the pending items in queue order.
func (q *Queue) Snapshot() []domain.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.WorkItem, len(q.items))
	copy(out, q.items)
	return out
}

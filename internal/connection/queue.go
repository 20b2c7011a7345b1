package connection

import (
	"container/heap"
	"time"
)

const (
	defaultQueueLimit = 1000
	defaultMaxRetries = 3
)

// QueuedMessage is one outbound message held for an offline peer.
type QueuedMessage struct {
	Data       []byte
	Priority   int // higher drains first
	EnqueuedAt time.Time
	Retries    int
	MaxRetries int

	index int // heap bookkeeping
}

// offlineQueue is a bounded priority queue. Single-writer (the
// connection task) and single-reader (the drain loop); one mutex in the
// owning Conn guards it.
type offlineQueue struct {
	items msgHeap
	limit int
}

func newOfflineQueue(limit int) *offlineQueue {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	q := &offlineQueue{limit: limit}
	heap.Init(&q.items)
	return q
}

// push inserts a message in priority order. On overflow it evicts the
// lowest-priority entry older than the new one; if only same-or-higher
// priority entries remain, the new message is refused. The second
// return reports whether an existing entry was evicted.
func (q *offlineQueue) push(m *QueuedMessage) (accepted, evicted bool) {
	if m.MaxRetries <= 0 {
		m.MaxRetries = defaultMaxRetries
	}
	if q.items.Len() >= q.limit {
		victim := q.lowest()
		if victim == nil || victim.Priority >= m.Priority {
			return false, false
		}
		heap.Remove(&q.items, victim.index)
		evicted = true
	}
	heap.Push(&q.items, m)
	return true, evicted
}

// pop removes the highest-priority (oldest within a priority) message.
func (q *offlineQueue) pop() *QueuedMessage {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*QueuedMessage)
}

func (q *offlineQueue) len() int { return q.items.Len() }

// lowest returns the entry that would be evicted first: lowest priority,
// oldest within that priority.
func (q *offlineQueue) lowest() *QueuedMessage {
	var victim *QueuedMessage
	for _, m := range q.items {
		if victim == nil ||
			m.Priority < victim.Priority ||
			(m.Priority == victim.Priority && m.EnqueuedAt.Before(victim.EnqueuedAt)) {
			victim = m
		}
	}
	return victim
}

// msgHeap orders by priority descending, then enqueue time ascending.
type msgHeap []*QueuedMessage

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h msgHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *msgHeap) Push(x any) {
	m := x.(*QueuedMessage)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

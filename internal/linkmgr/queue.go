package linkmgr

import (
	"container/heap"
	"sync"
	"time"
)

// eventKind distinguishes a scheduled periodic transmit from a timeout
// detection check, mirroring the TX/Detect split internal/liveness's
// Scheduler drives off the same kind of heap.
type eventKind uint8

const (
	eventTick    eventKind = 1 // call Dispatcher.Tick and transmit
	eventTimeout eventKind = 2 // check for silence past the detect window
)

// event is one scheduled action against a registered link.
type event struct {
	when  time.Time
	kind  eventKind
	entry *linkEntry
	seq   uint64
}

// eventHeap implements heap.Interface, ordering by time then insertion
// sequence so same-instant events stay FIFO.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// EventQueue is a thread-safe min-heap of scheduled per-link events, one
// instance shared by every link a Scheduler drives.
type EventQueue struct {
	mu  sync.Mutex
	pq  eventHeap
	seq uint64
}

func NewEventQueue() *EventQueue {
	h := eventHeap{}
	heap.Init(&h)
	return &EventQueue{pq: h}
}

func (q *EventQueue) Push(e *event) {
	q.mu.Lock()
	q.seq++
	e.seq = q.seq
	heap.Push(&q.pq, e)
	q.mu.Unlock()
}

// PopIfDue returns the next event if it is due at or before now. Otherwise
// it returns nil and how long the caller should wait before checking again.
func (q *EventQueue) PopIfDue(now time.Time) (*event, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Len() == 0 {
		return nil, time.Hour
	}
	next := q.pq[0]
	if d := next.when.Sub(now); d > 0 {
		return nil, d
	}
	return heap.Pop(&q.pq).(*event), 0
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

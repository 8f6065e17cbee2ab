package relaysync

import (
	"container/heap"
	"sync"
)

const (
	defaultQueueCapacity = 1000
	defaultMaxInFlight   = 50
)

type queuedEvent struct {
	event Event
	seq   uint64
	index int
}

type eventHeap []*queuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	pi, pj := h[i].event.Kind.priority(), h[j].event.Kind.priority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	item := x.(*queuedEvent)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue orders pending events by kind priority, then arrival. It also owns the
// in-flight set so one event id is never dispatched twice concurrently.
type PriorityQueue struct {
	mu          sync.Mutex
	items       eventHeap
	queued      map[string]struct{}
	inFlight    map[string]struct{}
	capacity    int
	maxInFlight int
	seq         uint64
	ready       chan struct{}
}

func NewPriorityQueue(capacity, maxInFlight int) *PriorityQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &PriorityQueue{
		items:       eventHeap{},
		queued:      map[string]struct{}{},
		inFlight:    map[string]struct{}{},
		capacity:    capacity,
		maxInFlight: maxInFlight,
		ready:       make(chan struct{}, 1),
	}
}

// Enqueue returns false when the queue is full or the id is already queued or in flight.
func (q *PriorityQueue) Enqueue(ev Event) bool {
	if ev.ID == "" {
		return false
	}
	q.mu.Lock()
	if _, ok := q.queued[ev.ID]; ok {
		q.mu.Unlock()
		return false
	}
	if _, ok := q.inFlight[ev.ID]; ok {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, &queuedEvent{event: ev, seq: q.seq})
	q.queued[ev.ID] = struct{}{}
	q.mu.Unlock()
	q.signal()
	return true
}

// Dequeue pops the highest priority event and marks it in flight. It returns false when the
// queue is empty or the in-flight ceiling is reached.
func (q *PriorityQueue) Dequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || len(q.inFlight) >= q.maxInFlight {
		return Event{}, false
	}
	item := heap.Pop(&q.items).(*queuedEvent)
	delete(q.queued, item.event.ID)
	q.inFlight[item.event.ID] = struct{}{}
	return item.event, true
}

// Complete releases an in-flight id.
func (q *PriorityQueue) Complete(id string) {
	q.mu.Lock()
	_, was := q.inFlight[id]
	delete(q.inFlight, id)
	more := len(q.items) > 0
	q.mu.Unlock()
	if was && more {
		q.signal()
	}
}

func (q *PriorityQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[id]; ok {
		return true
	}
	_, ok := q.inFlight[id]
	return ok
}

func (q *PriorityQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PriorityQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func (q *PriorityQueue) Capacity() int {
	return q.capacity
}

// Ready fires after an enqueue or a completion that may unblock a dequeue.
func (q *PriorityQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *PriorityQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Package queue implements the bounded priority + FIFO-within-priority
// structure the router drains. Ordering key is (priority DESC, sequence
// ASC), backed by container/heap the way the original prototype backed its
// MessagePriorityQueue with a BinaryHeap behind a mutex.
package queue

import (
	"container/heap"
	"sync"

	"uaip-hub/internal/apierr"
	"uaip-hub/internal/envelope"
)

// entry is one heap slot: the envelope plus the sequence it was assigned at
// first enqueue. A requeued entry keeps its original sequence so it cannot
// be reordered behind messages submitted after it.
type entry struct {
	env      envelope.Envelope
	sequence uint64
}

type minHeap []*entry

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	pi, pj := h[i].env.Header.Priority, h[j].env.Header.Priority
	if pi != pj {
		return pi > pj // higher priority pops first
	}
	return h[i].sequence < h[j].sequence // FIFO within a priority class
}

func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Total      int
	Critical   int
	High       int
	Normal     int
	Low        int
}

// Queue is a bounded, thread-safe priority queue of envelopes.
type Queue struct {
	mu       sync.Mutex
	heap     minHeap
	sequence uint64
	maxSize  int // 0 means unbounded, per spec.md §5's default
}

// New creates a queue. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	q := &Queue{maxSize: maxSize}
	heap.Init(&q.heap)
	return q
}

// Enqueue assigns the next sequence number and inserts the envelope in
// priority order. Returns ResourceUnavailable if the queue is at capacity.
func (q *Queue) Enqueue(env envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return apierr.New(apierr.ResourceUnavailable, "priority queue is full")
	}
	seq := q.sequence
	q.sequence++
	heap.Push(&q.heap, &entry{env: env, sequence: seq})
	return nil
}

// Requeue reinserts an envelope at its original sequence, used when the
// router must put a popped message back without giving it a fresh
// position (e.g. recipient still unavailable, or a QoS send failed).
func (q *Queue) Requeue(env envelope.Envelope, sequence uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return apierr.New(apierr.ResourceUnavailable, "priority queue is full")
	}
	heap.Push(&q.heap, &entry{env: env, sequence: sequence})
	return nil
}

// Dequeue removes and returns the highest-priority, oldest-within-priority
// envelope along with the sequence it was queued under (needed by callers
// that may need to Requeue it unchanged).
func (q *Queue) Dequeue() (envelope.Envelope, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return envelope.Envelope{}, 0, false
	}
	e := heap.Pop(&q.heap).(*entry)
	return e.env, e.sequence, true
}

// Peek returns the head envelope without removing it.
func (q *Queue) Peek() (envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return envelope.Envelope{}, false
	}
	return q.heap[0].env, true
}

// Len returns the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear removes every queued envelope.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = q.heap[:0]
}

// Stats returns total and per-priority occupancy counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Total: len(q.heap)}
	for _, e := range q.heap {
		switch e.env.Header.Priority {
		case envelope.Critical:
			s.Critical++
		case envelope.High:
			s.High++
		case envelope.Normal:
			s.Normal++
		case envelope.Low:
			s.Low++
		}
	}
	return s
}

// Package queue holds historian points between the WAL and the sink.
package queue

import (
	"sync"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// Ring is a bounded FIFO over a fixed ring buffer.
type Ring struct {
	mu    sync.Mutex
	buf   []ports.QueuedPoint
	head  int
	size  int
	ready chan struct{}
}

// NewRing returns a queue holding at most capacity points (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		buf:   make([]ports.QueuedPoint, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue reports false when the ring is full.
func (q *Ring) Enqueue(id ports.WALEntryID, p *domain.Point) bool {
	q.mu.Lock()
	if q.size == len(q.buf) {
		q.mu.Unlock()
		return false
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ports.QueuedPoint{ID: id, Point: p}
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// DequeueBatch removes up to max points in FIFO order; max <= 0 drains all.
func (q *Ring) DequeueBatch(max int) []ports.QueuedPoint {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	if max <= 0 || max > q.size {
		max = q.size
	}
	out := make([]ports.QueuedPoint, max)
	for i := range out {
		slot := (q.head + i) % len(q.buf)
		out[i] = q.buf[slot]
		q.buf[slot] = ports.QueuedPoint{}
	}
	q.head = (q.head + max) % len(q.buf)
	q.size -= max
	return out
}

func (q *Ring) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Ring) Cap() int { return len(q.buf) }

// Ready is signalled after an enqueue into the ring.
func (q *Ring) Ready() <-chan struct{} { return q.ready }

var _ ports.PointQueue = (*Ring)(nil)

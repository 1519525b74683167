package observability

import (
	"sync"
	"time"
)

// RejectedFrame records a feed payload the codec refused, with enough context
// to trace it back to the session that produced it.
type RejectedFrame struct {
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Preview   string    `json:"preview"`
}

// RejectQueue stores frames rejected during decoding for later inspection.
type RejectQueue struct {
	mu       sync.Mutex
	capacity int
	frames   []RejectedFrame
}

// NewRejectQueue creates a reject queue with the provided capacity. Capacity <=0 implies unbounded.
func NewRejectQueue(capacity int) *RejectQueue {
	queue := new(RejectQueue)
	queue.capacity = capacity
	queue.frames = make([]RejectedFrame, 0)
	return queue
}

// Offer records a rejected frame in the queue.
func (q *RejectQueue) Offer(frame RejectedFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.frames) >= q.capacity {
		// Drop oldest frame to make space for new record.
		copy(q.frames[0:], q.frames[1:])
		q.frames[len(q.frames)-1] = frame
		return
	}
	q.frames = append(q.frames, frame)
}

// Drain retrieves and clears all queued rejected frames.
func (q *RejectQueue) Drain() []RejectedFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]RejectedFrame, len(q.frames))
	copy(drained, q.frames)
	q.frames = q.frames[:0]
	return drained
}

// Snapshot copies the queued rejected frames without clearing them.
func (q *RejectQueue) Snapshot() []RejectedFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]RejectedFrame, len(q.frames))
	copy(snapshot, q.frames)
	return snapshot
}

// Len returns the number of queued rejected frames.
func (q *RejectQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

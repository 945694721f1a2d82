package session

import (
	"sync"

	"p2p-call/pkg/signal"
)

// CandidateQueue holds remote candidates until the remote description is
// applied. Once Drain has been called the queue is Ready and every later
// Enqueue is reported as immediate instead of being buffered.
type CandidateQueue struct {
	mu      sync.Mutex
	pending []signal.Candidate
	ready   bool
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{}
}

// Enqueue buffers c and returns false, or returns true when the queue is
// already Ready and the caller must apply c itself.
func (q *CandidateQueue) Enqueue(c signal.Candidate) (immediate bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready {
		return true
	}

	q.pending = append(q.pending, c)

	return false
}

func (q *CandidateQueue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.ready
}

// Drain marks the queue Ready and hands out the buffered candidates in arrival
// order. Only the first call returns anything.
func (q *CandidateQueue) Drain() []signal.Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ready = true

	drained := q.pending
	q.pending = nil

	return drained
}

// Discard drops buffered candidates and reports how many were dropped.
func (q *CandidateQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	q.pending = nil

	return n
}

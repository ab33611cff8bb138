package engine

import (
	"sync"
)

// job asks a worker to materialise one query identity.
type job struct {
	seq     int64
	queryID string
	attempt int64
}

// jobQueue is a thread-safe FIFO of pending jobs shared by all workers.
//
// A capacity of zero means unbounded. The queue signals availability on a
// buffered channel so workers can wait on it alongside ctx.Done().
type jobQueue struct {
	mu       sync.Mutex
	jobs     []job
	capacity int
	nextSeq  int64
	closed   bool
	signal   chan struct{} // Signals job availability (buffered, size 1)
}

func newJobQueue(capacity int) *jobQueue {
	return &jobQueue{
		jobs:     make([]job, 0, 64),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a job for attempt of id to the back of the queue.
// Returns false if the queue is closed or full.
func (q *jobQueue) Enqueue(id string, attempt int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.capacity > 0 && len(q.jobs) >= q.capacity {
		return false
	}

	q.nextSeq++
	q.jobs = append(q.jobs, job{seq: q.nextSeq, queryID: id, attempt: attempt})
	q.notify()
	return true
}

// TryDequeue removes and returns the front job without blocking.
func (q *jobQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
		// More work remains; wake another worker.
		q.notify()
	}
	return j, true
}

// notify must be called with q.mu held.
func (q *jobQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when jobs may be available. It is
// closed once the queue is closed.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close signals that no more jobs will be enqueued and wakes all waiters.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

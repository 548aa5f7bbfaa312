package jobs

import "sync"

// readyQueue is a thread-safe FIFO of committed jobs awaiting execution.
//
// The queue is unbounded: admission limits are enforced at submission, so
// anything that reaches the queue is already accepted. A buffered signal
// channel of size 1 lets the run loop wait for work with select, alongside
// context cancellation.
type readyQueue struct {
	mu      sync.Mutex
	entries []*entry
	closed  bool
	signal  chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		entries: make([]*entry, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false once the queue is closed.
func (q *readyQueue) Enqueue(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.entries = append(q.entries, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front entry without blocking.
func (q *readyQueue) TryDequeue() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}
	e := q.entries[0]
	q.entries[0] = nil
	if len(q.entries) == 1 {
		q.entries = q.entries[:0]
	} else {
		q.entries = q.entries[1:]
	}
	return e, true
}

// Wait returns the signal channel. It is closed by Close.
func (q *readyQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued entries.
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops accepting entries, wakes waiters and returns whatever was
// still queued.
func (q *readyQueue) Close() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	rest := q.entries
	q.entries = nil
	return rest
}

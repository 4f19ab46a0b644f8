package credentials

import "sync"

// QueuedCall is a caller parked behind an in-flight refresh. Done receives
// exactly one value: nil to proceed, or the refresh error.
type QueuedCall struct {
	done chan error
}

func (q *QueuedCall) Done() <-chan error {
	return q.done
}

// Queue releases waiting callers in arrival order once a refresh resolves.
type Queue struct {
	mu      sync.Mutex
	waiting []*QueuedCall
}

func (q *Queue) Enqueue() *QueuedCall {
	c := &QueuedCall{done: make(chan error, 1)}
	q.mu.Lock()
	q.waiting = append(q.waiting, c)
	q.mu.Unlock()
	return c
}

// Drain resolves every queued call with err and empties the queue. It never
// blocks: each call has room for its single outcome.
func (q *Queue) Drain(err error) int {
	q.mu.Lock()
	waiting := q.waiting
	q.waiting = nil
	q.mu.Unlock()

	for _, c := range waiting {
		c.done <- err
	}
	return len(waiting)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

package node

import (
	"sync"
	"sync/atomic"
)

// inbox is the bounded multi-producer queue feeding the node worker. push never
// blocks: a full buffer returns ErrQueueFull and a closed inbox returns
// ErrNodeStopped.
//
// The send lock only serialises push against close so that no producer writes
// to a closed channel; the worker pops without it.
type inbox struct {
	mu     sync.Mutex
	ch     chan Command
	closed atomic.Bool
}

func newInbox(size int) *inbox {
	return &inbox{ch: make(chan Command, size)}
}

func (q *inbox) push(cmd Command) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if q.closed.Load() {
		return ErrNodeStopped
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrNodeStopped
	}
	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// pop returns the next queued command without waiting.
func (q *inbox) pop() (Command, bool) {
	select {
	case cmd, ok := <-q.ch:
		return cmd, ok
	default:
		return nil, false
	}
}

// close rejects further pushes and returns whatever was still queued.
func (q *inbox) close() []Command {
	if q.closed.Swap(true) {
		return nil
	}
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
	var left []Command
	for cmd := range q.ch {
		left = append(left, cmd)
	}
	return left
}

func (q *inbox) capacity() int { return cap(q.ch) }

// Package handoff implements the queue used to pass work between threads: a
// mutex-protected pending list plus a trigger that wakes the owning thread out
// of its poll wait. The owner swaps the whole pending list out under the lock
// and processes its local copy lock-free.
package handoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/goceleris/sockd/internal/poll"
)

// Queue hands items of type T to a single consumer thread.
type Queue[T any] struct {
	ID   int
	Name string

	mu       sync.Mutex
	pending  []T
	size     int
	shutdown bool
	stopped  bool
	done     chan struct{}
	trigger  *poll.Trigger
}

// New creates a queue with its own trigger.
func New[T any](name string, id int) (*Queue[T], error) {
	tr, err := poll.NewTrigger()
	if err != nil {
		return nil, fmt.Errorf("%s%d: %w", name, id, err)
	}
	return &Queue[T]{
		ID:      id,
		Name:    name,
		trigger: tr,
		done:    make(chan struct{}),
	}, nil
}

// ThreadName is the name used in logs, e.g. "spooler0".
func (q *Queue[T]) ThreadName() string {
	return fmt.Sprintf("%s%d", q.Name, q.ID)
}

// TriggerFd is the descriptor the consumer registers for POLLIN.
func (q *Queue[T]) TriggerFd() int { return q.trigger.Fd() }

// Push appends item and wakes the consumer if the pending list was empty.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	wake := len(q.pending) == 0
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	if wake {
		return q.trigger.Fire()
	}
	return nil
}

// Take swaps out the pending list. The caller owns the returned items.
func (q *Queue[T]) Take() []T {
	q.mu.Lock()
	items := q.pending
	q.pending = nil
	q.mu.Unlock()
	return items
}

// Pending reports whether items are waiting, without taking them.
func (q *Queue[T]) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// Drain consumes the wake-up bytes after the trigger polled readable.
func (q *Queue[T]) Drain() error { return q.trigger.Drain() }

// Wake fires the trigger unconditionally.
func (q *Queue[T]) Wake() error { return q.trigger.Fire() }

// Add adjusts the count of items the consumer currently holds.
func (q *Queue[T]) Add(delta int) {
	q.mu.Lock()
	q.size += delta
	q.mu.Unlock()
}

// Size returns the count of items the consumer currently holds.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// ShuttingDown reports whether Stop was requested.
func (q *Queue[T]) ShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// MarkStopped is called by the consumer when its loop has exited.
func (q *Queue[T]) MarkStopped() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.stopped {
		q.stopped = true
		close(q.done)
	}
}

// Stop requests shutdown and waits up to timeout for the consumer to exit.
// It returns false when the consumer did not stop in time.
func (q *Queue[T]) Stop(timeout time.Duration) bool {
	q.mu.Lock()
	if !q.stopped && !q.shutdown {
		q.shutdown = true
		q.mu.Unlock()
		_ = q.trigger.Fire()
	} else {
		q.mu.Unlock()
	}

	select {
	case <-q.done:
		_ = q.trigger.Close()
		return true
	case <-time.After(timeout):
		return false
	}
}

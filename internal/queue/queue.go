// Package queue implements the bounded blocking queue that connects pipeline stages.
//
// A Queue has a hard capacity fixed at construction and a one-way shutdown
// switch. After Shutdown no new items are admitted, every blocked caller is
// woken, and already buffered items keep draining through Dequeue until the
// queue is empty, at which point Dequeue reports end-of-stream.
package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue once the queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// Queue is a fixed-capacity FIFO safe for any number of concurrent callers.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond // signalled when an item is added or on shutdown
	notFull  *sync.Cond // signalled when an item is removed or on shutdown

	buf  []T // ring buffer, len(buf) == capacity
	head int // index of the oldest item
	size int

	closed bool
}

// New creates a queue holding at most capacity items. It panics if capacity < 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		panic("queue: capacity must be positive")
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue blocks until a slot is free. It returns ErrClosed if the queue is
// shut down before the item could be admitted.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == len(q.buf) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.push(item)
	return nil
}

// TryEnqueueFor attempts to admit item within timeout. It returns false if the
// queue stayed full for the whole timeout or is shut down.
func (q *Queue[T]) TryEnqueueFor(item T, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) && !q.closed && timeout > 0 {
		expired, stop := q.deadline(q.notFull, timeout)
		defer stop()
		for q.size == len(q.buf) && !q.closed && !*expired {
			q.notFull.Wait()
		}
	}
	if q.closed || q.size == len(q.buf) {
		return false
	}
	q.push(item)
	return true
}

// Dequeue blocks until an item is available. It returns false only when the
// queue is shut down and fully drained.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// TryDequeueFor waits at most timeout for an item. A false result means either
// the timeout elapsed or the stream ended; callers tell them apart with
// IsShutdown.
func (q *Queue[T]) TryDequeueFor(timeout time.Duration) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 && !q.closed && timeout > 0 {
		expired, stop := q.deadline(q.notEmpty, timeout)
		defer stop()
		for q.size == 0 && !q.closed && !*expired {
			q.notEmpty.Wait()
		}
	}
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Shutdown stops admitting items and wakes every blocked caller. It is idempotent.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// IsShutdown reports whether Shutdown has been called.
func (q *Queue[T]) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drained reports whether the queue is shut down and holds no items.
func (q *Queue[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.size == 0
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// push and pop require q.mu.

func (q *Queue[T]) push(item T) {
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
	q.notEmpty.Signal()
}

func (q *Queue[T]) pop() T {
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero // release the reference for the GC
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.notFull.Signal()
	return item
}

// deadline arms a timer that wakes waiters on cond once timeout elapses.
// The returned flag is only read and written under q.mu.
func (q *Queue[T]) deadline(cond *sync.Cond, timeout time.Duration) (*bool, func() bool) {
	expired := new(bool)
	t := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		*expired = true
		cond.Broadcast()
		q.mu.Unlock()
	})
	return expired, t.Stop
}

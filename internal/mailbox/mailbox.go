// Package mailbox is an unbounded multi-producer, single-consumer queue.
// Posting never blocks, so resources can report failures from any goroutine
// without waiting on the recovery loop.
package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

var ErrClosed = errors.New("mailbox: closed")

type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  deque.Deque[T]
	closed bool
	notify chan struct{}
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Post enqueues v. It reports false if the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue.PushBack(v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Receive dequeues the oldest item, blocking until one is available.
// Items posted before Close are still delivered; after that it returns ErrClosed.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	for {
		if v, ok, err := m.TryReceive(); ok || err != nil {
			return v, err
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryReceive dequeues the oldest item without blocking.
func (m *Mailbox[T]) TryReceive() (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if m.queue.Len() > 0 {
		return m.queue.PopFront(), true, nil
	}
	if m.closed {
		return zero, false, ErrClosed
	}
	return zero, false, nil
}

// Close rejects further posts and wakes a blocked receiver.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

package loopback

import (
	"context"
	"sync"

	"github.com/harun/lightmux/pkg/engine"
)

// responseQueue is the FIFO of responses for one chain. Pushes beyond capacity are refused.
type responseQueue struct {
	mu       sync.Mutex
	items    []string
	capacity int
	closed   bool
	signal   chan struct{}
}

func newResponseQueue(capacity int) *responseQueue {
	return &responseQueue{
		capacity: capacity,
		signal:   make(chan struct{}),
	}
}

// Next implements engine.ResponseQueue.
func (q *responseQueue) Next(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", engine.ErrQueueClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *responseQueue) push(item string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return engine.ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return engine.ErrClogged
	}

	q.items = append(q.items, item)
	q.wake()
	return nil
}

func (q *responseQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.wake()
}

// Len reports the number of undelivered responses.
func (q *responseQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *responseQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

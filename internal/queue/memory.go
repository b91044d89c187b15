package queue

import (
	"context"
	"sync"

	"bling-sync-api/internal/model"
)

// MemoryQueue is an in-process unbounded FIFO. Its content is lost when the
// process exits; use RedisQueue when that matters.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []*model.Task
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends a task. It never blocks.
func (q *MemoryQueue) Push(ctx context.Context, task *model.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, task)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the head task, waiting while the queue is empty.
func (q *MemoryQueue) Pop(ctx context.Context) (*model.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued tasks.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close wakes blocked consumers. Tasks still queued can be drained with Pop.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

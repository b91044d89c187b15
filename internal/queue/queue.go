// Package queue buffers ingestion tasks between the webhook intake and the
// workers. Delivery is at-least-once: a task popped by a worker that stops
// before finishing is pushed back, and queues implementing Acker keep popped
// tasks until they are acknowledged.
package queue

import (
	"context"
	"errors"

	"bling-sync-api/internal/model"
)

// ErrClosed is returned by Pop after Close.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of tasks.
type Queue interface {
	// Push appends a task to the tail.
	Push(ctx context.Context, task *model.Task) error

	// Pop blocks until a task is available, ctx is done or the queue is closed.
	Pop(ctx context.Context) (*model.Task, error)

	// Len returns the number of queued tasks.
	Len(ctx context.Context) (int, error)
}

// Acker is implemented by queues that hold a popped task until the consumer
// settles it. Unacknowledged tasks are returned to the queue by Recover.
type Acker interface {
	Ack(ctx context.Context, task *model.Task) error
}

// Recoverer moves tasks left unacknowledged by a previous run back to the
// head of the queue.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

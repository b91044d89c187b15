package queue

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"bling-sync-api/internal/model"
)

// Sharded routes each task to one of several queues by a hash of its shard
// key. With one consumer per shard, tasks for the same entity are never
// processed concurrently.
type Sharded struct {
	shards []Queue
}

// NewSharded creates a router over shards. It panics on an empty slice.
func NewSharded(shards []Queue) *Sharded {
	if len(shards) == 0 {
		panic("queue: at least one shard required")
	}
	return &Sharded{shards: shards}
}

// NewMemorySharded creates n in-memory shards.
func NewMemorySharded(n int) *Sharded {
	shards := make([]Queue, n)
	for i := range shards {
		shards[i] = NewMemoryQueue()
	}
	return NewSharded(shards)
}

// ShardFor returns the shard index for a task.
func (s *Sharded) ShardFor(task *model.Task) int {
	return int(xxhash.Sum64String(task.ShardKey()) % uint64(len(s.shards)))
}

// Shard returns queue i.
func (s *Sharded) Shard(i int) Queue {
	return s.shards[i]
}

// Count returns the number of shards.
func (s *Sharded) Count() int {
	return len(s.shards)
}

// Push routes the task to its shard.
func (s *Sharded) Push(ctx context.Context, task *model.Task) error {
	return s.shards[s.ShardFor(task)].Push(ctx, task)
}

// Len returns the total across shards.
func (s *Sharded) Len(ctx context.Context) (int, error) {
	total := 0
	for i, q := range s.shards {
		n, err := q.Len(ctx)
		if err != nil {
			return 0, fmt.Errorf("shard %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

// Close closes shards that support it.
func (s *Sharded) Close() error {
	for _, q := range s.shards {
		if c, ok := q.(interface{ Close() error }); ok {
			c.Close()
		}
	}
	return nil
}

// Recover returns unacknowledged tasks of every shard to its queue. It must
// run before consumers start.
func (s *Sharded) Recover(ctx context.Context) (int, error) {
	total := 0
	for i, q := range s.shards {
		r, ok := q.(Recoverer)
		if !ok {
			continue
		}
		n, err := r.Recover(ctx)
		if err != nil {
			return total, fmt.Errorf("shard %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

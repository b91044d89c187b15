package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bling-sync-api/internal/model"
)

// RedisQueue is a durable FIFO on a Redis list: LPUSH at the tail, BLMOVE
// from the head into a processing list. A popped task stays in the processing
// list until Ack, so a crash mid-task leaves it there for Recover.
type RedisQueue struct {
	client        *redis.Client
	key           string
	processingKey string
	invalidKey    string

	// pollTimeout bounds each BLMOVE so ctx cancellation is noticed.
	pollTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]string // task id -> raw list element
}

// NewRedisQueue creates a queue stored under key, with in-flight tasks under
// key:processing and undecodable entries under key:invalid.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{
		client:        client,
		key:           key,
		processingKey: key + ":processing",
		invalidKey:    key + ":invalid",
		pollTimeout:   time.Second,
		inflight:      make(map[string]string),
	}
}

// Push appends a task.
func (q *RedisQueue) Push(ctx context.Context, task *model.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", q.key, err)
	}
	return nil
}

// Pop moves the head task into the processing list and returns it, waiting
// while the queue is empty.
func (q *RedisQueue) Pop(ctx context.Context) (*model.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.pollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("redis blmove %s: %w", q.key, err)
		}

		var task model.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.quarantine(ctx, raw)
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}

		q.mu.Lock()
		q.inflight[task.ID] = raw
		q.mu.Unlock()
		return &task, nil
	}
}

// quarantine parks an undecodable element so it is neither retried nor lost.
func (q *RedisQueue) quarantine(ctx context.Context, raw string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, raw)
	pipe.LPush(ctx, q.invalidKey, raw)
	_, _ = pipe.Exec(ctx)
}

// Ack removes a popped task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, task *model.Task) error {
	q.mu.Lock()
	raw, ok := q.inflight[task.ID]
	delete(q.inflight, task.ID)
	q.mu.Unlock()
	if !ok {
		return nil
	}

	if err := q.client.LRem(ctx, q.processingKey, 1, raw).Err(); err != nil {
		return fmt.Errorf("redis lrem %s: %w", q.processingKey, err)
	}
	return nil
}

// Recover moves every entry of the processing list back to the head of the
// queue, oldest first.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("redis lmove %s: %w", q.processingKey, err)
		}
		n++
	}
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", q.key, err)
	}
	return int(n), nil
}

// NewRedisSharded creates n Redis-backed shards named prefix:queue:<i>.
func NewRedisSharded(client *redis.Client, prefix string, n int) *Sharded {
	shards := make([]Queue, n)
	for i := range shards {
		shards[i] = NewRedisQueue(client, fmt.Sprintf("%s:queue:%d", prefix, i))
	}
	return NewSharded(shards)
}

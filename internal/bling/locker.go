package bling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// Locker provides the per-account critical section around token refresh.
type Locker interface {
	// Lock blocks until the section for key is held or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process per-key mutex that honours context cancellation.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sems: make(map[string]chan struct{})}
}

func (l *LocalLocker) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[key] = s
	}
	return s
}

// Lock acquires the section for key.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.sem(key)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedisLocker extends the local section across instances sharing a Redis.
// The local lock is taken first so one instance holds at most one Redis
// lock per account.
type RedisLocker struct {
	local  *LocalLocker
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// NewRedisLocker creates a RedisLocker. ttl must outlast a full refresh
// including its 429 waits.
func NewRedisLocker(client *redislock.Client, ttl time.Duration, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "bling-sync:lock"
	}
	return &RedisLocker{
		local:  NewLocalLocker(),
		client: client,
		ttl:    ttl,
		retry:  100 * time.Millisecond,
		prefix: prefix,
	}
}

// Lock acquires the local then the distributed section for key.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	strategy := redislock.NoRetry()
	if l.retry > 0 {
		strategy = redislock.LinearBackoff(l.retry)
	}
	lock, err := l.client.Obtain(ctx, l.prefix+":"+key, l.ttl, &redislock.Options{
		RetryStrategy: strategy,
	})
	if err != nil {
		unlockLocal()
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("refresh lock for %s: %w", key, err)
		}
		return nil, fmt.Errorf("obtain refresh lock for %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = lock.Release(context.Background())
			unlockLocal()
		})
	}, nil
}

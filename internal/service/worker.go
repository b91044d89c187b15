package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"bling-sync-api/internal/bling"
	"bling-sync-api/internal/model"
	"bling-sync-api/internal/queue"
	"bling-sync-api/internal/repository"
)

// Fetcher loads entity detail from upstream. bling.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint bling.Endpoint, entityID int64, account string) (model.Document, error)
}

// Applier persists a fetched document. Processor implements it.
type Applier interface {
	Apply(ctx context.Context, task *model.Task, doc model.Document) error
}

// RetryPolicy decides what a worker does with a failed task.
type RetryPolicy string

const (
	// RetryInPlace keeps the worker on the failed task, backing off
	// exponentially, until it succeeds or is dead-lettered. Later tasks of
	// the same shard wait behind it.
	RetryInPlace RetryPolicy = "inplace"

	// RetryRequeue pushes the failed task to the tail of its shard and moves
	// on. Other tasks of the shard may overtake it.
	RetryRequeue RetryPolicy = "requeue"
)

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Policy RetryPolicy
	// MaxAttempts before a task is dead-lettered. 0 retries forever.
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RequeueDelay   time.Duration
}

// WorkerStats is a snapshot of the pool counters.
type WorkerStats struct {
	Workers      int   `json:"workers"`
	Processed    int64 `json:"processed"`
	Failures     int64 `json:"failures"`
	Requeued     int64 `json:"requeued"`
	DeadLettered int64 `json:"dead_lettered"`
}

// WorkerPool runs one consumer per queue shard. Each task is fetched, then
// applied; a failure at either step never drops the task.
type WorkerPool struct {
	queues      *queue.Sharded
	fetcher     Fetcher
	applier     Applier
	deadLetters repository.DeadLetterRepository
	cfg         WorkerConfig
	log         *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed    atomic.Int64
	failures     atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// NewWorkerPool creates a WorkerPool.
func NewWorkerPool(
	queues *queue.Sharded,
	fetcher Fetcher,
	applier Applier,
	deadLetters repository.DeadLetterRepository,
	cfg WorkerConfig,
	log *zap.Logger,
) *WorkerPool {
	if cfg.Policy == "" {
		cfg.Policy = RetryInPlace
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		queues:      queues,
		fetcher:     fetcher,
		applier:     applier,
		deadLetters: deadLetters,
		cfg:         cfg,
		log:         log.Named("WorkerPool"),
		sleep:       sleepCtx,
	}
}

// Start launches one goroutine per shard.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.queues.Count(); i++ {
		p.wg.Add(1)
		go p.run(ctx, i, p.queues.Shard(i))
	}

	p.log.Info("worker pool started",
		zap.Int("workers", p.queues.Count()),
		zap.String("policy", string(p.cfg.Policy)),
		zap.Int("max_attempts", p.cfg.MaxAttempts))
}

// Stop cancels the workers and waits for them. A task in flight is pushed
// back to its shard before its worker exits.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (p *WorkerPool) Stats() WorkerStats {
	return WorkerStats{
		Workers:      p.queues.Count(),
		Processed:    p.processed.Load(),
		Failures:     p.failures.Load(),
		Requeued:     p.requeued.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}

func (p *WorkerPool) run(ctx context.Context, shard int, q queue.Queue) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("shard", shard))

	for ctx.Err() == nil {
		task, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("failed to pop task", zap.Error(err))
			if err := p.sleep(ctx, time.Second); err != nil {
				return
			}
			continue
		}

		var settled bool
		switch p.cfg.Policy {
		case RetryRequeue:
			settled = p.handleRequeue(ctx, q, task, log)
		default:
			settled = p.handleInPlace(ctx, q, task, log)
		}
		if settled {
			p.ack(q, task, log)
		}
	}
}

// process runs one attempt: fetch (skipped for deletions), then apply.
func (p *WorkerPool) process(ctx context.Context, task *model.Task) error {
	var doc model.Document
	if task.Event != model.EventOrderDeleted {
		endpoint, ok := bling.EndpointFor(task.Event)
		if ok {
			var err error
			doc, err = p.fetcher.Fetch(ctx, endpoint, task.EntityID, task.Account)
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}
		}
	}

	if err := p.applier.Apply(ctx, task, doc); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

// handleInPlace and handleRequeue report whether the task was settled:
// processed, dead-lettered or pushed back.
func (p *WorkerPool) handleInPlace(ctx context.Context, q queue.Queue, task *model.Task, log *zap.Logger) bool {
	b := p.newBackOff()

	for {
		err := p.process(ctx, task)
		if err == nil {
			p.done(task, log)
			return true
		}
		if ctx.Err() != nil {
			return p.pushBack(q, task, log)
		}

		task.Attempts++
		p.failures.Add(1)
		log.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int64("entity_id", task.EntityID),
			zap.String("event", string(task.Event)),
			zap.Int("attempt", task.Attempts),
			zap.Error(err))

		// A failed dead-letter write keeps the task here, backing off.
		if p.shouldDeadLetter(task, err) && p.deadLetter(ctx, task, err, log) {
			return true
		}

		if err := p.sleep(ctx, b.NextBackOff()); err != nil {
			return p.pushBack(q, task, log)
		}
	}
}

func (p *WorkerPool) handleRequeue(ctx context.Context, q queue.Queue, task *model.Task, log *zap.Logger) bool {
	err := p.process(ctx, task)
	if err == nil {
		p.done(task, log)
		return true
	}
	if ctx.Err() != nil {
		return p.pushBack(q, task, log)
	}

	task.Attempts++
	p.failures.Add(1)
	log.Warn("task failed, requeueing",
		zap.String("task_id", task.ID),
		zap.Int64("entity_id", task.EntityID),
		zap.String("event", string(task.Event)),
		zap.Int("attempt", task.Attempts),
		zap.Error(err))

	if p.shouldDeadLetter(task, err) && p.deadLetter(ctx, task, err, log) {
		return true
	}

	// Shutdown during the delay still requeues.
	_ = p.sleep(ctx, p.cfg.RequeueDelay)
	return p.pushBack(q, task, log)
}

func (p *WorkerPool) done(task *model.Task, log *zap.Logger) {
	p.processed.Add(1)
	log.Debug("task processed",
		zap.String("task_id", task.ID),
		zap.Int64("entity_id", task.EntityID),
		zap.String("event", string(task.Event)))
}

// shouldDeadLetter parks tasks that hit the attempt ceiling, and tasks whose
// account needs manual reauthorization.
func (p *WorkerPool) shouldDeadLetter(task *model.Task, err error) bool {
	if p.deadLetters == nil {
		return false
	}
	if bling.IsPermanentAuth(err) {
		return true
	}
	return p.cfg.MaxAttempts > 0 && task.Attempts >= p.cfg.MaxAttempts
}

// deadLetter parks the task and reports whether the write succeeded. On
// failure the caller keeps retrying the task under its normal delay.
func (p *WorkerPool) deadLetter(ctx context.Context, task *model.Task, cause error, log *zap.Logger) bool {
	dl := &model.DeadLetter{
		TaskID:    task.ID,
		Task:      *task,
		Attempts:  task.Attempts,
		LastError: cause.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.deadLetters.SaveDeadLetter(ctx, dl); err != nil {
		log.Error("failed to dead-letter task, retrying",
			zap.String("task_id", task.ID), zap.Error(err))
		return false
	}

	p.deadLettered.Add(1)
	log.Error("task dead-lettered",
		zap.String("task_id", task.ID),
		zap.Int64("entity_id", task.EntityID),
		zap.String("account", task.Account),
		zap.String("event", string(task.Event)),
		zap.Int("attempts", task.Attempts),
		zap.Error(cause))
	return true
}

// pushBack returns task to the tail of q. It does not use the worker
// context, which may already be cancelled.
func (p *WorkerPool) pushBack(q queue.Queue, task *model.Task, log *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Push(ctx, task); err != nil {
		log.Error("failed to requeue task",
			zap.String("task_id", task.ID),
			zap.Int64("entity_id", task.EntityID),
			zap.String("event", string(task.Event)),
			zap.Error(err))
		return false
	}
	p.requeued.Add(1)
	return true
}

// ack releases the popped copy of task on queues that track it. A task whose
// push back failed is left unacknowledged for Recover.
func (p *WorkerPool) ack(q queue.Queue, task *model.Task, log *zap.Logger) {
	a, ok := q.(queue.Acker)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Ack(ctx, task); err != nil {
		log.Error("failed to ack task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (p *WorkerPool) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffInitial
	b.MaxInterval = p.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

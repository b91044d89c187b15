package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bling-sync-api/internal/model"
	"bling-sync-api/internal/repository"
)

// Pusher accepts tasks for processing. queue.Sharded implements it.
type Pusher interface {
	Push(ctx context.Context, task *model.Task) error
	Len(ctx context.Context) (int, error)
}

// ReplayConfig holds configuration for the dead-letter replayer.
type ReplayConfig struct {
	// Interval between automatic replays. 0 disables the ticker; RunNow
	// still works.
	Interval time.Duration

	// BatchSize caps the dead letters moved per run.
	// Default: 100
	BatchSize int
}

// DeadLetterReplayer periodically moves dead-lettered tasks back onto the
// queue with their attempt counter reset.
type DeadLetterReplayer struct {
	repo   repository.DeadLetterRepository
	queue  Pusher
	config ReplayConfig
	log    *zap.Logger

	ticker    *time.Ticker
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex

	// runMu serializes replays so a ticker run and RunNow never move the
	// same dead letter twice.
	runMu sync.Mutex
}

// NewDeadLetterReplayer creates a new replayer.
func NewDeadLetterReplayer(repo repository.DeadLetterRepository, q Pusher, config ReplayConfig, log *zap.Logger) *DeadLetterReplayer {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeadLetterReplayer{
		repo:   repo,
		queue:  q,
		config: config,
		log:    log.Named("DeadLetterReplayer"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the replay ticker.
func (r *DeadLetterReplayer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning || r.config.Interval <= 0 {
		return
	}
	r.isRunning = true
	r.ticker = time.NewTicker(r.config.Interval)

	r.log.Info("replayer started", zap.Duration("interval", r.config.Interval))
	go r.run()
}

func (r *DeadLetterReplayer) run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.ticker.C:
			r.runOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *DeadLetterReplayer) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := r.RunNow(ctx)
	if err != nil {
		r.log.Error("replay failed", zap.Int("replayed", n), zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("dead letters replayed", zap.Int("replayed", n))
	}
}

// Stop stops the replay ticker and waits for a replay in progress.
func (r *DeadLetterReplayer) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		wasRunning := r.isRunning
		if r.ticker != nil {
			r.ticker.Stop()
		}
		close(r.stopCh)
		r.isRunning = false
		r.mu.Unlock()

		if wasRunning {
			<-r.doneCh
			r.log.Info("replayer stopped")
		}
	})
}

// RunNow replays up to BatchSize dead letters immediately and returns how
// many were moved. A dead letter is deleted only after its task is queued.
func (r *DeadLetterReplayer) RunNow(ctx context.Context) (int, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	letters, err := r.repo.ListDeadLetters(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead letters: %w", err)
	}

	replayed := 0
	for i := range letters {
		task := letters[i].Task
		task.Attempts = 0

		if err := r.queue.Push(ctx, &task); err != nil {
			return replayed, fmt.Errorf("failed to queue task %s: %w", task.ID, err)
		}
		if err := r.repo.DeleteDeadLetter(ctx, letters[i].TaskID); err != nil {
			// The task is queued twice at worst; every write is idempotent.
			return replayed, fmt.Errorf("failed to delete dead letter %s: %w", letters[i].TaskID, err)
		}
		replayed++
	}
	return replayed, nil
}

package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bling-sync-api/internal/bling"
	"bling-sync-api/internal/model"
	"bling-sync-api/internal/queue"
	"bling-sync-api/internal/repository"
)

// fakeFetcher serves canned documents and fails the first failN calls per entity.
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[int64]model.Document
	failN map[int64]int
	err   error
	calls map[int64]int
	block bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:  map[int64]model.Document{},
		failN: map[int64]int{},
		calls: map[int64]int{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, endpoint bling.Endpoint, entityID int64, account string) (model.Document, error) {
	f.mu.Lock()
	f.calls[entityID]++
	n := f.calls[entityID]
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if n <= f.failN[entityID] {
		return nil, &bling.APIError{Endpoint: endpoint, EntityID: entityID, StatusCode: 503, Err: bling.ErrRetriesExhausted}
	}
	if d, ok := f.docs[entityID]; ok {
		return d, nil
	}
	return model.Document{}, nil
}

func (f *fakeFetcher) Calls(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// flakyStore fails WithinTx until failures reaches zero.
type flakyStore struct {
	repository.Store
	failures atomic.Int64
}

func (s *flakyStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection refused")
	}
	return s.Store.WithinTx(ctx, fn)
}

// recordingApplier records applied entity ids in order.
type recordingApplier struct {
	mu  sync.Mutex
	ids []int64
}

func (a *recordingApplier) Apply(ctx context.Context, task *model.Task, doc model.Document) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, task.EntityID)
	return nil
}

func (a *recordingApplier) Applied() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.ids...)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// sleepRecorder records requested delays and sleeps a millisecond instead.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	select {
	case <-time.After(time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// brokenDeadLetters rejects every write.
type brokenDeadLetters struct {
	saves atomic.Int64
}

func (b *brokenDeadLetters) SaveDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	b.saves.Add(1)
	return errors.New("connection refused")
}

func (b *brokenDeadLetters) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	return nil, nil
}

func (b *brokenDeadLetters) DeleteDeadLetter(ctx context.Context, taskID string) error {
	return nil
}

func startPool(t *testing.T, p *WorkerPool) {
	t.Helper()
	startPoolWithSleep(t, p, noSleep)
}

func startPoolWithSleep(t *testing.T, p *WorkerPool, sleep func(context.Context, time.Duration) error) {
	t.Helper()
	p.sleep = sleep
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Stop(ctx))
	})
}

func TestWorkerPool_SurvivesStoreOutage(t *testing.T) {
	s := newTestStore(t)
	flaky := &flakyStore{Store: s}
	flaky.failures.Store(3)

	fetcher := newFakeFetcher()
	fetcher.docs[101] = doc(t, orderDoc)

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, NewProcessor(flaky, zaptest.NewLogger(t)), s,
		WorkerConfig{Policy: RetryInPlace, MaxAttempts: 0}, zaptest.NewLogger(t))
	startPool(t, p)

	require.NoError(t, q.Push(context.Background(), orderTask(101, model.EventOrderCreated, "")))

	require.Eventually(t, func() bool {
		_, err := s.GetEventLog(context.Background(), 101, model.EventOrderCreated)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(3), stats.Failures)
	assert.Equal(t, int64(0), stats.DeadLettered)
	assert.Equal(t, 4, fetcher.Calls(101))

	_, err := s.GetOrder(context.Background(), 101)
	assert.NoError(t, err)
}

func TestWorkerPool_DeletedOrderSkipsFetch(t *testing.T) {
	s := newTestStore(t)
	fetcher := newFakeFetcher()
	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, NewProcessor(s, zaptest.NewLogger(t)), s, WorkerConfig{}, zaptest.NewLogger(t))
	startPool(t, p)

	require.NoError(t, q.Push(context.Background(), orderTask(5, model.EventOrderDeleted, "")))

	require.Eventually(t, func() bool { return p.Stats().Processed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, fetcher.Calls(5))
}

func TestWorkerPool_ProductNotFoundStillLogged(t *testing.T) {
	s := newTestStore(t)
	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, newFakeFetcher(), NewProcessor(s, zaptest.NewLogger(t)), s, WorkerConfig{}, zaptest.NewLogger(t))
	startPool(t, p)

	task := &model.Task{ID: "x", EntityID: 77, Account: "loja1", Event: model.EventStockUpdated}
	require.NoError(t, q.Push(context.Background(), task))

	require.Eventually(t, func() bool { return p.Stats().Processed == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := s.GetProduct(context.Background(), 77, "loja1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.GetEventLog(context.Background(), 77, model.EventStockUpdated)
	assert.NoError(t, err)
}

func TestWorkerPool_DeadLettersAfterMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	fetcher := newFakeFetcher()
	fetcher.failN[8] = 1000

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, NewProcessor(s, zaptest.NewLogger(t)), s,
		WorkerConfig{Policy: RetryInPlace, MaxAttempts: 3}, zaptest.NewLogger(t))
	startPool(t, p)

	require.NoError(t, q.Push(context.Background(), orderTask(8, model.EventOrderUpdated, "")))

	require.Eventually(t, func() bool { return p.Stats().DeadLettered == 1 }, 2*time.Second, 10*time.Millisecond)

	letters, err := s.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, int64(8), letters[0].Task.EntityID)
	assert.Contains(t, letters[0].LastError, "retries exhausted")
	assert.Equal(t, 3, fetcher.Calls(8))
}

func TestWorkerPool_InPlaceBacksOffWhenDeadLetterWriteFails(t *testing.T) {
	s := newTestStore(t)
	fetcher := newFakeFetcher()
	fetcher.failN[8] = 1000
	letters := &brokenDeadLetters{}
	rec := &sleepRecorder{}

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, NewProcessor(s, zaptest.NewLogger(t)), letters,
		WorkerConfig{Policy: RetryInPlace, MaxAttempts: 3, BackoffInitial: time.Second, BackoffMax: time.Minute},
		zaptest.NewLogger(t))
	startPoolWithSleep(t, p, rec.sleep)

	require.NoError(t, q.Push(context.Background(), orderTask(8, model.EventOrderUpdated, "")))

	require.Eventually(t, func() bool { return letters.saves.Load() >= 3 }, 2*time.Second, time.Millisecond)

	// The worker holds the task instead of cycling it through the queue.
	size, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, size)
	assert.Equal(t, int64(0), p.Stats().Requeued)
	assert.Equal(t, int64(0), p.Stats().DeadLettered)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	calls := fetcher.Calls(8)
	delays := rec.Delays()
	assert.GreaterOrEqual(t, len(delays), calls-1)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestWorkerPool_RequeueWaitsWhenDeadLetterWriteFails(t *testing.T) {
	s := newTestStore(t)
	fetcher := newFakeFetcher()
	fetcher.failN[8] = 1000
	letters := &brokenDeadLetters{}
	rec := &sleepRecorder{}

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, NewProcessor(s, zaptest.NewLogger(t)), letters,
		WorkerConfig{Policy: RetryRequeue, MaxAttempts: 2, RequeueDelay: 50 * time.Millisecond},
		zaptest.NewLogger(t))
	startPoolWithSleep(t, p, rec.sleep)

	require.NoError(t, q.Push(context.Background(), orderTask(8, model.EventOrderUpdated, "")))

	require.Eventually(t, func() bool { return letters.saves.Load() >= 3 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	calls := fetcher.Calls(8)
	delays := rec.Delays()
	assert.GreaterOrEqual(t, len(delays), calls-1)
	for _, d := range delays {
		assert.Equal(t, 50*time.Millisecond, d)
	}
	assert.Equal(t, int64(0), p.Stats().DeadLettered)

	size, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

// ackingQueue tracks acknowledgements over a MemoryQueue.
type ackingQueue struct {
	*queue.MemoryQueue
	mu    sync.Mutex
	acked []string
}

func (q *ackingQueue) Ack(ctx context.Context, task *model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, task.ID)
	return nil
}

func (q *ackingQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func TestWorkerPool_AcksSettledTasks(t *testing.T) {
	s := newTestStore(t)
	fetcher := newFakeFetcher()
	fetcher.docs[101] = doc(t, orderDoc)
	fetcher.failN[8] = 1000

	aq := &ackingQueue{MemoryQueue: queue.NewMemoryQueue()}
	q := queue.NewSharded([]queue.Queue{aq})
	p := NewWorkerPool(q, fetcher, NewProcessor(s, zaptest.NewLogger(t)), s,
		WorkerConfig{Policy: RetryInPlace, MaxAttempts: 2}, zaptest.NewLogger(t))
	startPool(t, p)

	ok := orderTask(101, model.EventOrderCreated, "")
	bad := orderTask(8, model.EventOrderUpdated, "")
	require.NoError(t, q.Push(context.Background(), ok))
	require.NoError(t, q.Push(context.Background(), bad))

	require.Eventually(t, func() bool { return len(aq.Acked()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{ok.ID, bad.ID}, aq.Acked())
	assert.Equal(t, int64(1), p.Stats().Processed)
	assert.Equal(t, int64(1), p.Stats().DeadLettered)
}

func TestWorkerPool_PermanentAuthDeadLettersImmediately(t *testing.T) {
	s := newTestStore(t)
	fetcher := newFakeFetcher()
	fetcher.err = &bling.AuthError{Account: "loja1", StatusCode: 400, Permanent: true, Err: errors.New("invalid_grant")}

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, NewProcessor(s, zaptest.NewLogger(t)), s,
		WorkerConfig{Policy: RetryInPlace, MaxAttempts: 50}, zaptest.NewLogger(t))
	startPool(t, p)

	require.NoError(t, q.Push(context.Background(), orderTask(9, model.EventOrderUpdated, "")))

	require.Eventually(t, func() bool { return p.Stats().DeadLettered == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fetcher.Calls(9))
}

func TestWorkerPool_RequeuePolicyLetsOthersPass(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.failN[1] = 1
	applier := &recordingApplier{}

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, applier, nil, WorkerConfig{Policy: RetryRequeue}, zaptest.NewLogger(t))

	// Queue both before starting so the order is deterministic.
	require.NoError(t, q.Push(context.Background(), orderTask(1, model.EventOrderUpdated, "")))
	require.NoError(t, q.Push(context.Background(), orderTask(2, model.EventOrderUpdated, "")))
	startPool(t, p)

	require.Eventually(t, func() bool { return p.Stats().Processed == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{2, 1}, applier.Applied())
	assert.Equal(t, int64(1), p.Stats().Requeued)
}

func TestWorkerPool_InPlaceKeepsOrder(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.failN[1] = 2
	applier := &recordingApplier{}

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, applier, nil, WorkerConfig{Policy: RetryInPlace}, zaptest.NewLogger(t))

	require.NoError(t, q.Push(context.Background(), orderTask(1, model.EventOrderUpdated, "")))
	require.NoError(t, q.Push(context.Background(), orderTask(2, model.EventOrderUpdated, "")))
	startPool(t, p)

	require.Eventually(t, func() bool { return p.Stats().Processed == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, applier.Applied())
	assert.Equal(t, int64(0), p.Stats().Requeued)
}

func TestWorkerPool_StopRequeuesInFlightTask(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = true

	q := queue.NewMemorySharded(1)
	p := NewWorkerPool(q, fetcher, &recordingApplier{}, nil, WorkerConfig{}, zaptest.NewLogger(t))
	p.sleep = noSleep
	p.Start(context.Background())

	require.NoError(t, q.Push(context.Background(), orderTask(3, model.EventOrderUpdated, "")))
	require.Eventually(t, func() bool { return fetcher.Calls(3) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), p.Stats().Requeued)
	assert.Equal(t, int64(0), p.Stats().Failures)
}

func TestWorkerPool_ShardsSerializeEntity(t *testing.T) {
	applier := &recordingApplier{}
	q := queue.NewMemorySharded(4)
	p := NewWorkerPool(q, newFakeFetcher(), applier, nil, WorkerConfig{}, zaptest.NewLogger(t))
	startPool(t, p)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Push(context.Background(), orderTask(int64(i%5), model.EventOrderUpdated, "")))
	}

	require.Eventually(t, func() bool { return p.Stats().Processed == 20 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, p.Stats().Workers)
	assert.Len(t, applier.Applied(), 20)
}

package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bling-sync-api/internal/model"
	"bling-sync-api/internal/queue"
	"bling-sync-api/pkg/uid"
)

func TestIngestor_Enqueue(t *testing.T) {
	q := queue.NewMemorySharded(2)
	in := NewIngestor(q, zaptest.NewLogger(t))
	ctx := context.Background()

	task, err := in.Enqueue(ctx, "loja1", []byte(`{"event":"order.updated","date":"2024-01-10 10:00:00","data":{"id":12345678901}}`))
	require.NoError(t, err)
	assert.True(t, uid.IsValid(task.ID))
	assert.Equal(t, int64(12345678901), task.EntityID)
	assert.Equal(t, model.EventOrderUpdated, task.Event)
	assert.Equal(t, "2024-01-10 10:00:00", task.EventDate)
	assert.Equal(t, "loja1", task.Account)
	assert.JSONEq(t, `{"id":12345678901}`, string(task.RawData))

	task, err = in.Enqueue(ctx, "loja1", []byte(`{"event":"stock.updated","data":{"produto":{"id":55}}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(55), task.EntityID)

	size, err := in.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestIngestor_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		account string
		body    string
		want    error
	}{
		{"missing account", " ", `{"event":"order.created","data":{"id":1}}`, ErrMissingAccount},
		{"not json", "loja1", `event=order.created`, ErrInvalidPayload},
		{"missing event", "loja1", `{"data":{"id":1}}`, ErrInvalidPayload},
		{"no entity id", "loja1", `{"event":"order.created","data":{}}`, ErrNoEntityID},
		{"no data", "loja1", `{"event":"order.created"}`, ErrNoEntityID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.NewMemorySharded(1)
			in := NewIngestor(q, zaptest.NewLogger(t))

			_, err := in.Enqueue(context.Background(), tt.account, []byte(tt.body))
			assert.ErrorIs(t, err, tt.want)

			size, _ := q.Len(context.Background())
			assert.Zero(t, size)
		})
	}
}

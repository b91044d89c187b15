package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bling-sync-api/internal/model"
	"bling-sync-api/pkg/uid"
)

var (
	// ErrMissingAccount is returned when the notification names no account.
	ErrMissingAccount = errors.New("missing account")

	// ErrInvalidPayload is returned for bodies that are not a JSON object
	// carrying an event name.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNoEntityID is returned when neither data.id nor data.produto.id is
	// present. Nothing is queued; callers treat it as non-fatal.
	ErrNoEntityID = errors.New("no entity id in payload")
)

// Ingestor validates webhook notifications and queues them as tasks. It
// performs no upstream or store I/O.
type Ingestor struct {
	queue Pusher
	log   *zap.Logger
	now   func() time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(q Pusher, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		queue: q,
		log:   log.Named("Ingestor"),
		now:   time.Now,
	}
}

// Enqueue turns a notification body into a task and queues it.
func (i *Ingestor) Enqueue(ctx context.Context, account string, body []byte) (*model.Task, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, ErrMissingAccount
	}

	doc, err := model.DecodeDocument(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	event := strings.TrimSpace(doc.String("event"))
	if event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}

	data := doc.Object("data")
	entityID := data.Int64("id")
	if entityID == 0 {
		entityID = data.Object("produto").Int64("id")
	}
	if entityID == 0 {
		i.log.Info("notification without entity id ignored",
			zap.String("account", account), zap.String("event", event))
		return nil, ErrNoEntityID
	}

	task := &model.Task{
		ID:         uid.New(),
		EntityID:   entityID,
		Account:    account,
		Event:      model.EventKind(event),
		EventDate:  doc.String("date"),
		RawData:    json.RawMessage(data.JSON()),
		ReceivedAt: i.now().UTC(),
	}
	if err := i.queue.Push(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to queue task: %w", err)
	}

	i.log.Info("task queued",
		zap.String("task_id", task.ID),
		zap.String("account", account),
		zap.String("event", event),
		zap.Int64("entity_id", entityID))
	return task, nil
}

// QueueSize returns the number of tasks waiting across all shards.
func (i *Ingestor) QueueSize(ctx context.Context) (int, error) {
	return i.queue.Len(ctx)
}

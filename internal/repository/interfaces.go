package repository

import (
	"context"
	"errors"
	"time"

	"bling-sync-api/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// AccountRepository defines credential data access methods.
type AccountRepository interface {
	// GetAccount loads the credential row for an account name.
	GetAccount(ctx context.Context, name string) (*model.Account, error)

	// SaveTokens stores a freshly issued token pair.
	SaveTokens(ctx context.Context, name, accessToken, refreshToken string, expiresAt int64) error

	// UpsertAccount creates or replaces an account after manual authorization.
	UpsertAccount(ctx context.Context, account *model.Account) error
}

// Tx is the write surface available inside one persistence unit of work.
type Tx interface {
	// UpsertOrder inserts or updates an order. An existing creation time is kept.
	UpsertOrder(ctx context.Context, order *model.Order) error

	// MarkOrderDeleted sets the deleted sentinel status without touching payload fields.
	MarkOrderDeleted(ctx context.Context, orderID int64, event model.EventKind, at time.Time) error

	// ReplaceLineItems deletes every line of the order and inserts items.
	ReplaceLineItems(ctx context.Context, orderID int64, items []model.LineItem) error

	// UpsertProduct inserts or updates a product keyed by (id, account).
	UpsertProduct(ctx context.Context, product *model.Product) error

	// ReplaceStructure swaps the component edges of a kit. Duplicate edges are ignored.
	ReplaceStructure(ctx context.Context, parentID int64, account string, edges []model.StructureEdge) error

	// UpsertEventLog records the last notification processed for (entity, event).
	UpsertEventLog(ctx context.Context, entry *model.EventLogEntry) error
}

// DeadLetterRepository stores tasks that exhausted their attempts.
type DeadLetterRepository interface {
	SaveDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, taskID string) error
}

// Store is the persisted mirror of upstream orders and products.
type Store interface {
	AccountRepository
	DeadLetterRepository

	// WithinTx runs fn in a transaction holding one pooled connection. The
	// connection is released on commit or rollback before WithinTx returns.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	ListLineItems(ctx context.Context, orderID int64) ([]model.LineItem, error)
	GetProduct(ctx context.Context, id int64, account string) (*model.Product, error)
	ListStructure(ctx context.Context, parentID int64, account string) ([]model.StructureEdge, error)
	GetEventLog(ctx context.Context, entityID int64, event model.EventKind) (*model.EventLogEntry, error)

	// Stats returns row counts and connection pool usage.
	Stats(ctx context.Context) (map[string]interface{}, error)

	Ping(ctx context.Context) error
	Close() error
}

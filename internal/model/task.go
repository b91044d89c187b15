package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EventKind is the webhook event name sent by the ERP.
type EventKind string

const (
	EventOrderCreated   EventKind = "order.created"
	EventOrderUpdated   EventKind = "order.updated"
	EventOrderDeleted   EventKind = "order.deleted"
	EventProductCreated EventKind = "product.created"
	EventProductUpdated EventKind = "product.updated"
	EventStockUpdated   EventKind = "stock.updated"
)

// IsOrder reports whether the event targets an order.
func (k EventKind) IsOrder() bool {
	return strings.HasPrefix(string(k), "order.")
}

// IsProduct reports whether the event targets a product. Stock movements are
// resolved through the product endpoint.
func (k EventKind) IsProduct() bool {
	return strings.HasPrefix(string(k), "product.") || k == EventStockUpdated
}

// Task is one unit of ingestion work produced by the webhook intake.
type Task struct {
	ID         string          `json:"id"`
	EntityID   int64           `json:"entity_id"`
	Account    string          `json:"account"`
	Event      EventKind       `json:"event"`
	EventDate  string          `json:"date,omitempty"`
	RawData    json.RawMessage `json:"raw_data,omitempty"`
	Attempts   int             `json:"attempts"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ShardKey identifies the entity a task writes to. Tasks sharing a key are
// always handled by the same worker.
func (t *Task) ShardKey() string {
	return t.Account + ":" + t.kindFamily() + ":" + strconv.FormatInt(t.EntityID, 10)
}

func (t *Task) kindFamily() string {
	switch {
	case t.Event.IsOrder():
		return "order"
	case t.Event.IsProduct():
		return "product"
	default:
		return string(t.Event)
	}
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeletedOrderStatus marks an order removed upstream. The row is kept.
const DeletedOrderStatus int64 = 9999999

// Order is the local snapshot of an upstream sales order.
type Order struct {
	ID          int64           `json:"id"`
	Account     string          `json:"account"`
	StoreID     int64           `json:"store_id"`
	Number      string          `json:"number"`
	StoreNumber string          `json:"store_number"`
	Total       decimal.Decimal `json:"total"`
	StatusID    int64           `json:"status_id"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastEvent   EventKind       `json:"last_event"`
	Payload     string          `json:"-"`
}

// LineItem is one aggregated order line, unique per (order, product code).
type LineItem struct {
	OrderID     int64           `json:"order_id"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	SoldAt      time.Time       `json:"sold_at"`
}

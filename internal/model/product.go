package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the local snapshot of an upstream product, scoped per account.
type Product struct {
	ID        int64           `json:"id"`
	Account   string          `json:"account"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Format    string          `json:"format"`
	Status    string          `json:"status"`
	Stock     decimal.Decimal `json:"stock"`
	CostPrice decimal.Decimal `json:"cost_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Payload   string          `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StructureEdge links a kit product to one of its components.
type StructureEdge struct {
	ParentID int64           `json:"parent_id"`
	ChildID  int64           `json:"child_id"`
	Account  string          `json:"account"`
	Quantity decimal.Decimal `json:"quantity"`
}

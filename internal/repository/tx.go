package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bling-sync-api/internal/model"
)

// sqlTxn implements Tx on one open transaction.
type sqlTxn struct {
	tx *sql.Tx
	d  *dialect
}

// UpsertOrder inserts or updates an order. created_at is first-write-wins.
func (t *sqlTxn) UpsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.ExecContext(ctx, t.d.rebind(t.d.upsertOrder),
		o.ID, o.Account, o.StoreID, o.Number, o.StoreNumber, o.Total, o.StatusID,
		timeOrNil(o.CreatedAt), o.UpdatedAt.UTC(), string(o.LastEvent), nullableJSON(o.Payload))
	if err != nil {
		return fmt.Errorf("failed to upsert order %d: %w", o.ID, err)
	}
	return nil
}

// MarkOrderDeleted flags an existing order as deleted. Unknown orders are left alone.
func (t *sqlTxn) MarkOrderDeleted(ctx context.Context, orderID int64, event model.EventKind, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.d.rebind(qMarkOrderDeleted),
		model.DeletedOrderStatus, string(event), at.UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order %d deleted: %w", orderID, err)
	}
	return nil
}

// ReplaceLineItems deletes the order's lines and inserts items.
func (t *sqlTxn) ReplaceLineItems(ctx context.Context, orderID int64, items []model.LineItem) error {
	if _, err := t.tx.ExecContext(ctx, t.d.rebind(qDeleteLineItems), orderID); err != nil {
		return fmt.Errorf("failed to delete line items of order %d: %w", orderID, err)
	}
	if len(items) == 0 {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx, t.d.rebind(qInsertLineItem))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, orderID, it.Code, it.Description, it.Quantity, it.UnitPrice, it.SoldAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert line item %s of order %d: %w", it.Code, orderID, err)
		}
	}
	return nil
}

// UpsertProduct inserts or updates a product keyed by (id, account).
func (t *sqlTxn) UpsertProduct(ctx context.Context, p *model.Product) error {
	_, err := t.tx.ExecContext(ctx, t.d.rebind(t.d.upsertProduct),
		p.ID, p.Account, p.Code, p.Name, p.Type, p.Format, p.Status,
		p.Stock, p.CostPrice, p.SalePrice, nullableJSON(p.Payload), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert product %d: %w", p.ID, err)
	}
	return nil
}

// ReplaceStructure swaps the kit edges of (parentID, account).
func (t *sqlTxn) ReplaceStructure(ctx context.Context, parentID int64, account string, edges []model.StructureEdge) error {
	if _, err := t.tx.ExecContext(ctx, t.d.rebind(qDeleteStructure), parentID, account); err != nil {
		return fmt.Errorf("failed to delete structure of product %d: %w", parentID, err)
	}

	stmt, err := t.tx.PrepareContext(ctx, t.d.rebind(t.d.insertEdge))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, parentID, e.ChildID, account, e.Quantity); err != nil {
			return fmt.Errorf("failed to insert structure edge %d->%d: %w", parentID, e.ChildID, err)
		}
	}
	return nil
}

// UpsertEventLog records the last notification for (entity, event).
func (t *sqlTxn) UpsertEventLog(ctx context.Context, e *model.EventLogEntry) error {
	_, err := t.tx.ExecContext(ctx, t.d.rebind(t.d.upsertEvent),
		e.EntityID, string(e.Event), e.Account, nullableJSON(e.Payload), e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert event log %d/%s: %w", e.EntityID, e.Event, err)
	}
	return nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullableJSON stores an empty payload as NULL; JSONB columns reject "".
func nullableJSON(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

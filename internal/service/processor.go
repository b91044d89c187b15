package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bling-sync-api/internal/model"
	"bling-sync-api/internal/repository"
)

// Processor maps upstream documents onto the local schema and writes them,
// together with the event log entry, in one unit of work per task.
type Processor struct {
	store repository.Store
	log   *zap.Logger
	now   func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(store repository.Store, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		store: store,
		log:   log.Named("Processor"),
		now:   time.Now,
	}
}

// Apply persists the effect of task given its fetched document. An empty
// document (entity missing upstream) skips the entity upsert; the event log
// entry is written either way. The store connection is only held inside
// this call, never across the fetch.
func (p *Processor) Apply(ctx context.Context, task *model.Task, doc model.Document) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	at := p.eventTime(task)

	return p.store.WithinTx(ctx, func(tx repository.Tx) error {
		switch {
		case task.Event == model.EventOrderDeleted:
			if err := tx.MarkOrderDeleted(ctx, task.EntityID, task.Event, at); err != nil {
				return err
			}

		case task.Event.IsOrder():
			if len(doc) == 0 {
				p.log.Info("order missing upstream, skipping upsert",
					zap.Int64("order_id", task.EntityID), zap.String("account", task.Account))
				break
			}
			if err := p.applyOrder(ctx, tx, task, doc, at); err != nil {
				return err
			}

		case task.Event.IsProduct():
			if len(doc) == 0 {
				p.log.Info("product missing upstream, skipping upsert",
					zap.Int64("product_id", task.EntityID), zap.String("account", task.Account))
				break
			}
			if err := p.applyProduct(ctx, tx, task, doc); err != nil {
				return err
			}

		default:
			p.log.Warn("unhandled event, recording only", zap.String("event", string(task.Event)))
		}

		return tx.UpsertEventLog(ctx, &model.EventLogEntry{
			EntityID:  task.EntityID,
			Event:     task.Event,
			Account:   task.Account,
			Payload:   string(payload),
			UpdatedAt: p.now().UTC(),
		})
	})
}

func (p *Processor) applyOrder(ctx context.Context, tx repository.Tx, task *model.Task, doc model.Document, at time.Time) error {
	order := ParseOrder(doc, task, at)
	if err := tx.UpsertOrder(ctx, order); err != nil {
		return err
	}

	soldAt := at
	if order.CreatedAt != nil {
		soldAt = *order.CreatedAt
	}
	items := AggregateLineItems(order.ID, doc.Objects("itens"), soldAt)
	return tx.ReplaceLineItems(ctx, order.ID, items)
}

func (p *Processor) applyProduct(ctx context.Context, tx repository.Tx, task *model.Task, doc model.Document) error {
	product := ParseProduct(doc, task, p.now())
	if err := tx.UpsertProduct(ctx, product); err != nil {
		return err
	}

	edges := ParseStructure(doc, product.ID, product.Account)
	if len(edges) == 0 {
		return nil
	}
	return tx.ReplaceStructure(ctx, product.ID, product.Account, edges)
}

// eventTime is the notification date when it parses, else the current time.
func (p *Processor) eventTime(task *model.Task) time.Time {
	if s := strings.TrimSpace(task.EventDate); s != "" {
		if t, ok := model.ParseTime(s); ok {
			return t
		}
	}
	return p.now()
}

// ParseOrder extracts the typed order columns from an order document.
func ParseOrder(doc model.Document, task *model.Task, updatedAt time.Time) *model.Order {
	id := doc.Int64("id")
	if id == 0 {
		id = task.EntityID
	}
	return &model.Order{
		ID:          id,
		Account:     task.Account,
		StoreID:     doc.Object("loja").Int64("id"),
		Number:      doc.String("numero"),
		StoreNumber: doc.String("numeroLoja"),
		Total:       doc.Decimal("total"),
		StatusID:    doc.Object("situacao").Int64("id"),
		CreatedAt:   doc.Time("data"),
		UpdatedAt:   updatedAt,
		LastEvent:   task.Event,
		Payload:     doc.JSON(),
	}
}

// AggregateLineItems collapses lines sharing a product code into one row,
// summing quantities. Description and unit price come from the first line
// seen for a code; rows keep first-seen order.
func AggregateLineItems(orderID int64, lines []model.Document, soldAt time.Time) []model.LineItem {
	index := make(map[string]int, len(lines))
	items := make([]model.LineItem, 0, len(lines))

	for _, line := range lines {
		code := line.String("codigo")
		qty := line.Decimal("quantidade")

		if i, ok := index[code]; ok {
			items[i].Quantity = items[i].Quantity.Add(qty)
			continue
		}
		index[code] = len(items)
		items = append(items, model.LineItem{
			OrderID:     orderID,
			Code:        code,
			Description: line.String("descricao"),
			Quantity:    qty,
			UnitPrice:   line.Decimal("valor"),
			SoldAt:      soldAt,
		})
	}
	return items
}

// ParseProduct extracts the typed product columns from a product document.
func ParseProduct(doc model.Document, task *model.Task, now time.Time) *model.Product {
	id := doc.Int64("id")
	if id == 0 {
		id = task.EntityID
	}

	cost := decimal.Zero
	if supplier := doc.Object("fornecedor"); supplier != nil {
		cost = supplier.Decimal("precoCusto")
	}

	return &model.Product{
		ID:        id,
		Account:   task.Account,
		Code:      doc.String("codigo"),
		Name:      doc.String("nome"),
		Type:      doc.StringOr("tipo", "P"),
		Format:    doc.StringOr("formato", "S"),
		Status:    doc.StringOr("situacao", "A"),
		Stock:     stockOf(doc),
		CostPrice: cost,
		SalePrice: doc.Decimal("preco"),
		Payload:   doc.JSON(),
		UpdatedAt: now.UTC(),
	}
}

// stockOf reads "estoque" as a scalar or as an object carrying the virtual balance.
func stockOf(doc model.Document) decimal.Decimal {
	if nested := doc.Object("estoque"); nested != nil {
		return nested.Decimal("saldoVirtualTotal")
	}
	return doc.Decimal("estoque")
}

// ParseStructure returns the kit edges listed under estrutura.componentes.
// Components without a product id are skipped.
func ParseStructure(doc model.Document, parentID int64, account string) []model.StructureEdge {
	structure := doc.Object("estrutura")
	if structure == nil {
		return nil
	}

	var edges []model.StructureEdge
	for _, comp := range structure.Objects("componentes") {
		child := comp.Object("produto").Int64("id")
		if child == 0 {
			continue
		}
		edges = append(edges, model.StructureEdge{
			ParentID: parentID,
			ChildID:  child,
			Account:  account,
			Quantity: comp.Decimal("quantidade"),
		})
	}
	return edges
}

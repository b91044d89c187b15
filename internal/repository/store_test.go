package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bling-sync-api/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSQLStore_Accounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "loja1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SaveTokens(ctx, "loja1", "a", "r", 1), ErrNotFound)

	require.NoError(t, s.UpsertAccount(ctx, &model.Account{
		Name: "loja1", ClientID: "cid", ClientSecret: "secret", RefreshToken: "r0",
	}))
	require.NoError(t, s.SaveTokens(ctx, "loja1", "access-1", "refresh-1", 1700000000))

	acc, err := s.GetAccount(ctx, "loja1")
	require.NoError(t, err)
	assert.Equal(t, "cid", acc.ClientID)
	assert.Equal(t, "secret", acc.ClientSecret)
	assert.Equal(t, "access-1", acc.AccessToken)
	assert.Equal(t, "refresh-1", acc.RefreshToken)
	assert.Equal(t, int64(1700000000), acc.ExpiresAt)
}

func TestSQLStore_OrderCreatedAtIsFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t0 := ts("2024-01-10T10:00:00Z")
	t1 := ts("2024-02-01T08:00:00Z")

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.UpsertOrder(ctx, &model.Order{
			ID: 42, Account: "loja1", Number: "100", Total: decimal.RequireFromString("10.50"),
			StatusID: 6, CreatedAt: &t0, UpdatedAt: t0, LastEvent: model.EventOrderCreated, Payload: `{"id":42}`,
		})
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.UpsertOrder(ctx, &model.Order{
			ID: 42, Account: "loja1", Number: "100", Total: decimal.RequireFromString("12"),
			StatusID: 9, CreatedAt: &t1, UpdatedAt: t1, LastEvent: model.EventOrderUpdated, Payload: `{"id":42,"v":2}`,
		})
	}))

	o, err := s.GetOrder(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, o.CreatedAt)
	assert.True(t, o.CreatedAt.Equal(t0), "created_at changed to %v", o.CreatedAt)
	assert.True(t, o.UpdatedAt.Equal(t1))
	assert.Equal(t, int64(9), o.StatusID)
	assert.True(t, o.Total.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, model.EventOrderUpdated, o.LastEvent)
	assert.Equal(t, `{"id":42,"v":2}`, o.Payload)
}

func TestSQLStore_OrderCreatedAtFilledWhenFirstWriteHadNone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t1 := ts("2024-02-01T08:00:00Z")

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.UpsertOrder(ctx, &model.Order{ID: 7, Account: "a", UpdatedAt: t1})
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.UpsertOrder(ctx, &model.Order{ID: 7, Account: "a", CreatedAt: &t1, UpdatedAt: t1})
	}))

	o, err := s.GetOrder(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, o.CreatedAt)
	assert.True(t, o.CreatedAt.Equal(t1))
}

func TestSQLStore_MarkOrderDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := ts("2024-01-10T10:00:00Z")
	del := ts("2024-03-01T00:00:00Z")

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.UpsertOrder(ctx, &model.Order{
			ID: 5, Account: "a", Number: "55", StatusID: 6, CreatedAt: &t0, UpdatedAt: t0,
			LastEvent: model.EventOrderCreated, Payload: `{"numero":"55"}`,
		})
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		if err := tx.MarkOrderDeleted(ctx, 5, model.EventOrderDeleted, del); err != nil {
			return err
		}
		// unknown orders are a no-op
		return tx.MarkOrderDeleted(ctx, 999, model.EventOrderDeleted, del)
	}))

	o, err := s.GetOrder(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.DeletedOrderStatus, o.StatusID)
	assert.Equal(t, model.EventOrderDeleted, o.LastEvent)
	assert.True(t, o.CreatedAt.Equal(t0))
	assert.True(t, o.UpdatedAt.Equal(del))
	assert.Equal(t, "55", o.Number)
	assert.Equal(t, `{"numero":"55"}`, o.Payload)

	_, err = s.GetOrder(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_ReplaceLineItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sold := ts("2024-01-10T00:00:00Z")

	line := func(code, qty string) model.LineItem {
		return model.LineItem{Code: code, Description: "item " + code, Quantity: decimal.RequireFromString(qty),
			UnitPrice: decimal.RequireFromString("9.90"), SoldAt: sold}
	}

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.ReplaceLineItems(ctx, 1, []model.LineItem{line("A", "1"), line("C", "4")})
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.ReplaceLineItems(ctx, 1, []model.LineItem{line("A", "5"), line("B", "1")})
	}))

	items, err := s.ListLineItems(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].Code)
	assert.True(t, items[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, items[0].UnitPrice.Equal(decimal.RequireFromString("9.9")))
	assert.True(t, items[0].SoldAt.Equal(sold))
	assert.Equal(t, "B", items[1].Code)

	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		return tx.ReplaceLineItems(ctx, 1, nil)
	}))
	items, err = s.ListLineItems(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLStore_ProductAndStructure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := ts("2024-01-10T00:00:00Z")

	p := &model.Product{
		ID: 10, Account: "a", Code: "KIT", Name: "Kit", Type: "P", Format: "E", Status: "A",
		Stock: decimal.NewFromInt(3), CostPrice: decimal.RequireFromString("4.25"),
		SalePrice: decimal.RequireFromString("19.90"), Payload: `{"id":10}`, UpdatedAt: now,
	}
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpsertProduct(ctx, p); err != nil {
			return err
		}
		return tx.ReplaceStructure(ctx, 10, "a", []model.StructureEdge{
			{ChildID: 11, Quantity: decimal.NewFromInt(2)},
			{ChildID: 12, Quantity: decimal.NewFromInt(1)},
			{ChildID: 11, Quantity: decimal.NewFromInt(7)}, // duplicate ignored
		})
	}))

	// same id under another account is a separate row
	other := *p
	other.Account = "b"
	other.Name = "Other"
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.UpsertProduct(ctx, &other) }))

	p.Name = "Kit v2"
	p.Stock = decimal.NewFromInt(8)
	require.NoError(t, s.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpsertProduct(ctx, p); err != nil {
			return err
		}
		return tx.ReplaceStructure(ctx, 10, "a", []model.StructureEdge{{ChildID: 13, Quantity: decimal.NewFromInt(1)}})
	}))

	got, err := s.GetProduct(ctx, 10, "a")
	require.NoError(t, err)
	assert.Equal(t, "Kit v2", got.Name)
	assert.True(t, got.Stock.Equal(decimal.NewFromInt(8)))
	assert.True(t, got.CostPrice.Equal(decimal.RequireFromString("4.25")))

	gotB, err := s.GetProduct(ctx, 10, "b")
	require.NoError(t, err)
	assert.Equal(t, "Other", gotB.Name)

	edges, err := s.ListStructure(ctx, 10, "a")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, int64(13), edges[0].ChildID)
}

func TestSQLStore_WithinTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := ts("2024-01-10T00:00:00Z")

	err := s.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpsertOrder(ctx, &model.Order{ID: 1, Account: "a", UpdatedAt: now}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = s.GetOrder(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_EventLogIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, payload := range []string{`{"n":1}`, `{"n":2}`} {
		entry := &model.EventLogEntry{
			EntityID: 3, Event: model.EventStockUpdated, Account: "a", Payload: payload,
			UpdatedAt: ts("2024-01-10T00:00:00Z").Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.WithinTx(ctx, func(tx Tx) error { return tx.UpsertEventLog(ctx, entry) }))
	}

	e, err := s.GetEventLog(ctx, 3, model.EventStockUpdated)
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, e.Payload)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["rows"].(map[string]int64)["event_log"])
	assert.Equal(t, "sqlite", stats["backend"])
}

func TestSQLStore_DeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := model.Task{ID: "t-1", EntityID: 9, Account: "a", Event: model.EventProductUpdated, Attempts: 50}
	require.NoError(t, s.SaveDeadLetter(ctx, &model.DeadLetter{
		TaskID: task.ID, Task: task, Attempts: 50, LastError: "boom",
	}))
	require.NoError(t, s.SaveDeadLetter(ctx, &model.DeadLetter{
		TaskID: task.ID, Task: task, Attempts: 51, LastError: "boom again",
	}))

	dls, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 51, dls[0].Attempts)
	assert.Equal(t, "boom again", dls[0].LastError)
	assert.Equal(t, int64(9), dls[0].Task.EntityID)
	assert.False(t, dls[0].CreatedAt.IsZero())

	require.NoError(t, s.DeleteDeadLetter(ctx, task.ID))
	dls, err = s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dls)
}

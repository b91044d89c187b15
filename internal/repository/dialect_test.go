package repository

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bling-sync-api/internal/model"
)

func TestDialect_Rebind(t *testing.T) {
	q := "UPDATE x SET a = ?, b = ? WHERE c = ?"
	assert.Equal(t, "UPDATE x SET a = $1, b = $2 WHERE c = $3", postgresDialect.rebind(q))
	assert.Equal(t, q, mysqlDialect.rebind(q))
	assert.Equal(t, q, sqliteDialect.rebind(q))
}

func TestDialect_OrderUpsertKeepsCreatedAt(t *testing.T) {
	tests := []struct {
		d    *dialect
		want string
	}{
		{postgresDialect, "created_at = COALESCE(orders.created_at, EXCLUDED.created_at)"},
		{mysqlDialect, "created_at = COALESCE(created_at, VALUES(created_at))"},
		{sqliteDialect, "created_at = COALESCE(orders.created_at, excluded.created_at)"},
	}
	for _, tt := range tests {
		t.Run(tt.d.name, func(t *testing.T) {
			assert.Contains(t, tt.d.upsertOrder, tt.want)
		})
	}
}

func TestDialect_EdgeInsertIgnoresDuplicates(t *testing.T) {
	assert.Contains(t, postgresDialect.insertEdge, "ON CONFLICT DO NOTHING")
	assert.Contains(t, sqliteDialect.insertEdge, "ON CONFLICT DO NOTHING")
	assert.Contains(t, mysqlDialect.insertEdge, "INSERT IGNORE")
}

type anyTime struct{}

func (anyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

func newMockStore(t *testing.T, d *dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLStore(db, d, zaptest.NewLogger(t)), mock
}

func TestSQLStore_Postgres_WithinTxCommits(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WithArgs(int64(1), "a", int64(0), "", "", sqlmock.AnyArg(), int64(6), nil, anyTime{}, "order.created", `{"id":1}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM order_items WHERE order_id = $1")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO order_items"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_items")).
		WithArgs(int64(1), "A", "", sqlmock.AnyArg(), sqlmock.AnyArg(), anyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpsertOrder(ctx, &model.Order{
			ID: 1, Account: "a", StatusID: 6, UpdatedAt: now, LastEvent: model.EventOrderCreated, Payload: `{"id":1}`,
		}); err != nil {
			return err
		}
		return tx.ReplaceLineItems(ctx, 1, []model.LineItem{{Code: "A", Quantity: decimal.NewFromInt(1), SoldAt: now}})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Postgres_WithinTxRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.WithinTx(ctx, func(tx Tx) error {
		return tx.UpsertEventLog(ctx, &model.EventLogEntry{EntityID: 1, Event: model.EventOrderCreated, UpdatedAt: time.Now()})
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_BeginFailureIsReported(t *testing.T) {
	s, mock := newMockStore(t, mysqlDialect)

	mock.ExpectBegin().WillReturnError(assert.AnError)

	called := false
	err := s.WithinTx(context.Background(), func(tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNullTime_Scan(t *testing.T) {
	tests := []struct {
		name  string
		in    interface{}
		valid bool
	}{
		{"nil", nil, false},
		{"time", time.Now(), true},
		{"sqlite text", "2024-01-10 10:00:00+00:00", true},
		{"bytes", []byte("2024-01-10 10:00:00"), true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n nullTime
			require.NoError(t, n.Scan(tt.in))
			assert.Equal(t, tt.valid, n.Valid)
		})
	}

	var n nullTime
	assert.Error(t, n.Scan(42))
	assert.Error(t, n.Scan("yesterday"))
}

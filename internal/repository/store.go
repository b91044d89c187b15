package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bling-sync-api/internal/model"
)

// PoolConfig bounds the connection pool. The pool is kept small: a
// connection is only held for the duration of one unit of work.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLStore implements Store over database/sql for PostgreSQL, MySQL and SQLite.
type SQLStore struct {
	db  *sql.DB
	d   *dialect
	log *zap.Logger

	// writeMu serializes writers on SQLite, which allows a single writer.
	writeMu *sync.Mutex

	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d *dialect, log *zap.Logger) *SQLStore {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SQLStore{db: db, d: d, log: log.Named("Store"), now: time.Now}
	if d.name == "sqlite" {
		s.writeMu = &sync.Mutex{}
	}
	return s
}

func openStore(ctx context.Context, d *dialect, dsn string, pool PoolConfig, log *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", d.name, err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", d.name, err)
	}

	s := newSQLStore(db, d, log)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s.log.Info("store initialized",
		zap.String("backend", d.name),
		zap.Int("max_open", pool.MaxOpenConns),
		zap.Int("max_idle", pool.MaxIdleConns))
	return s, nil
}

// Migrate creates tables and indexes that do not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Backend returns the dialect name.
func (s *SQLStore) Backend() string {
	return s.d.name
}

func (s *SQLStore) lockWrite() func() {
	if s.writeMu == nil {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

// WithinTx runs fn inside one transaction and releases the connection on
// commit or rollback.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	unlock := s.lockWrite()
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(&sqlTxn{tx: sqlTx, d: s.d}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- accounts ---

// GetAccount loads the credential row for name.
func (s *SQLStore) GetAccount(ctx context.Context, name string) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx, s.d.rebind(qGetAccount), name).Scan(
		&a.Name, &a.ClientID, &a.ClientSecret, &a.AccessToken, &a.RefreshToken, &a.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account %s: %w", name, err)
	}
	return &a, nil
}

// SaveTokens stores a rotated token pair. A missing account is an error.
func (s *SQLStore) SaveTokens(ctx context.Context, name, accessToken, refreshToken string, expiresAt int64) error {
	unlock := s.lockWrite()
	defer unlock()

	res, err := s.db.ExecContext(ctx, s.d.rebind(qSaveTokens), accessToken, refreshToken, expiresAt, s.now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to save tokens for %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertAccount creates or replaces an account row.
func (s *SQLStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	unlock := s.lockWrite()
	defer unlock()

	_, err := s.db.ExecContext(ctx, s.d.rebind(s.d.upsertAccount),
		a.Name, a.ClientID, a.ClientSecret, a.AccessToken, a.RefreshToken, a.ExpiresAt, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", a.Name, err)
	}
	return nil
}

// --- reads ---

// GetOrder returns an order by id.
func (s *SQLStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	var (
		o         model.Order
		createdAt nullTime
		updatedAt nullTime
		lastEvent string
		payload   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(qGetOrder), id).Scan(
		&o.ID, &o.Account, &o.StoreID, &o.Number, &o.StoreNumber, &o.Total, &o.StatusID,
		&createdAt, &updatedAt, &lastEvent, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	o.CreatedAt = createdAt.Ptr()
	o.UpdatedAt = updatedAt.Time
	o.LastEvent = model.EventKind(lastEvent)
	o.Payload = payload.String
	return &o, nil
}

// ListLineItems returns the lines of an order ordered by code.
func (s *SQLStore) ListLineItems(ctx context.Context, orderID int64) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(qListLineItems), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		var (
			it     model.LineItem
			soldAt nullTime
		)
		if err := rows.Scan(&it.OrderID, &it.Code, &it.Description, &it.Quantity, &it.UnitPrice, &soldAt); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		it.SoldAt = soldAt.Time
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetProduct returns a product by (id, account).
func (s *SQLStore) GetProduct(ctx context.Context, id int64, account string) (*model.Product, error) {
	var (
		p         model.Product
		payload   sql.NullString
		updatedAt nullTime
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(qGetProduct), id, account).Scan(
		&p.ID, &p.Account, &p.Code, &p.Name, &p.Type, &p.Format, &p.Status,
		&p.Stock, &p.CostPrice, &p.SalePrice, &payload, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	p.Payload = payload.String
	p.UpdatedAt = updatedAt.Time
	return &p, nil
}

// ListStructure returns the component edges of a kit.
func (s *SQLStore) ListStructure(ctx context.Context, parentID int64, account string) ([]model.StructureEdge, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(qListStructure), parentID, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list structure: %w", err)
	}
	defer rows.Close()

	var edges []model.StructureEdge
	for rows.Next() {
		var e model.StructureEdge
		if err := rows.Scan(&e.ParentID, &e.ChildID, &e.Account, &e.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan structure edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetEventLog returns the event log entry for (entity, event).
func (s *SQLStore) GetEventLog(ctx context.Context, entityID int64, event model.EventKind) (*model.EventLogEntry, error) {
	var (
		e         model.EventLogEntry
		ev        string
		payload   sql.NullString
		updatedAt nullTime
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(qGetEventLog), entityID, string(event)).Scan(
		&e.EntityID, &ev, &e.Account, &payload, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event log: %w", err)
	}
	e.Event = model.EventKind(ev)
	e.Payload = payload.String
	e.UpdatedAt = updatedAt.Time
	return &e, nil
}

// Stats returns statistics about the store.
func (s *SQLStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	stats["backend"] = s.d.name

	counts := make(map[string]int64, len(statTables))
	for _, table := range statTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	stats["rows"] = counts

	var lastEvent nullTime
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM event_log").Scan(&lastEvent); err == nil && lastEvent.Valid {
		stats["last_event_at"] = lastEvent.Time
	}

	if s.d.tableSize != "" {
		var size int64
		if err := s.db.QueryRowContext(ctx, s.d.tableSize).Scan(&size); err == nil {
			stats["db_size_bytes"] = size
		}
	}

	dbStats := s.db.Stats()
	stats["connections"] = map[string]interface{}{
		"open":     dbStats.OpenConnections,
		"in_use":   dbStats.InUse,
		"idle":     dbStats.Idle,
		"max_open": dbStats.MaxOpenConnections,
	}
	return stats, nil
}

// --- dead letters ---

// SaveDeadLetter parks a task. Saving the same task again overwrites it.
func (s *SQLStore) SaveDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	unlock := s.lockWrite()
	defer unlock()

	body, err := json.Marshal(dl.Task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", dl.TaskID, err)
	}
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(s.d.upsertDead),
		dl.TaskID, string(body), dl.Attempts, dl.LastError, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save dead letter %s: %w", dl.TaskID, err)
	}
	return nil
}

// ListDeadLetters returns up to limit parked tasks, oldest first.
func (s *SQLStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(qListDeadLetters), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var (
			dl        model.DeadLetter
			body      string
			createdAt nullTime
		)
		if err := rows.Scan(&dl.TaskID, &body, &dl.Attempts, &dl.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &dl.Task); err != nil {
			s.log.Warn("skipping undecodable dead letter", zap.String("task_id", dl.TaskID), zap.Error(err))
			continue
		}
		dl.CreatedAt = createdAt.Time
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes a parked task.
func (s *SQLStore) DeleteDeadLetter(ctx context.Context, taskID string) error {
	unlock := s.lockWrite()
	defer unlock()

	if _, err := s.db.ExecContext(ctx, s.d.rebind(qDeleteDeadLetter), taskID); err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", taskID, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

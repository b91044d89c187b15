package repository

import (
	"context"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// NewSQLiteStore opens a SQLite store at path, or an in-memory database for
// ":memory:". SQLite allows a single writer, so the pool is pinned to one
// connection; this also keeps an in-memory database shared.
func NewSQLiteStore(ctx context.Context, path string, log *zap.Logger) (*SQLStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return openStore(ctx, sqliteDialect, dsn, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, log)
}

package repository

import (
	"context"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"go.uber.org/zap"
)

// NewMySQLStore opens a MySQL store. The DSN must carry parseTime=true.
func NewMySQLStore(ctx context.Context, dsn string, pool PoolConfig, log *zap.Logger) (*SQLStore, error) {
	return openStore(ctx, mysqlDialect, dsn, pool, log)
}

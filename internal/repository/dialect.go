package repository

import (
	"strconv"
	"strings"
)

// dialect holds the schema and the backend-specific statements. Statements
// are written with '?' placeholders; rebind converts them for PostgreSQL.
type dialect struct {
	name   string
	driver string
	schema []string

	upsertAccount string
	upsertOrder   string
	upsertProduct string
	insertEdge    string
	upsertEvent   string
	upsertDead    string

	// tableSize is optional and returns the store size in bytes.
	tableSize string
}

// Statements shared by every backend.
const (
	qGetAccount = `SELECT name, client_id, client_secret, access_token, refresh_token, expires_at
		FROM accounts WHERE name = ?`
	qSaveTokens = `UPDATE accounts SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE name = ?`

	qMarkOrderDeleted = `UPDATE orders SET status_id = ?, last_event = ?, updated_at = ? WHERE id = ?`
	qDeleteLineItems  = `DELETE FROM order_items WHERE order_id = ?`
	qInsertLineItem   = `INSERT INTO order_items (order_id, code, description, quantity, unit_price, sold_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	qDeleteStructure = `DELETE FROM product_structures WHERE parent_id = ? AND account = ?`

	qGetOrder = `SELECT id, account, store_id, number, store_number, total, status_id,
		created_at, updated_at, last_event, payload FROM orders WHERE id = ?`
	qListLineItems = `SELECT order_id, code, description, quantity, unit_price, sold_at
		FROM order_items WHERE order_id = ? ORDER BY code`
	qGetProduct = `SELECT id, account, code, name, type, format, status, stock, cost_price,
		sale_price, payload, updated_at FROM products WHERE id = ? AND account = ?`
	qListStructure = `SELECT parent_id, child_id, account, quantity
		FROM product_structures WHERE parent_id = ? AND account = ? ORDER BY child_id`
	qGetEventLog = `SELECT entity_id, event, account, payload, updated_at
		FROM event_log WHERE entity_id = ? AND event = ?`

	qListDeadLetters  = `SELECT task_id, task, attempts, last_error, created_at FROM dead_letters ORDER BY created_at LIMIT ?`
	qDeleteDeadLetter = `DELETE FROM dead_letters WHERE task_id = ?`
)

var statTables = []string{"accounts", "orders", "order_items", "products", "product_structures", "event_log", "dead_letters"}

var postgresDialect = &dialect{
	name:   "postgres",
	driver: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			name TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGINT PRIMARY KEY,
			account TEXT NOT NULL,
			store_id BIGINT NOT NULL DEFAULT 0,
			number TEXT NOT NULL DEFAULT '',
			store_number TEXT NOT NULL DEFAULT '',
			total NUMERIC(18,4) NOT NULL DEFAULT 0,
			status_id BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL,
			last_event TEXT NOT NULL DEFAULT '',
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account_created ON orders(account, created_at)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id BIGINT NOT NULL,
			code TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			quantity NUMERIC(18,4) NOT NULL DEFAULT 0,
			unit_price NUMERIC(18,4) NOT NULL DEFAULT 0,
			sold_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (order_id, code)
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id BIGINT NOT NULL,
			account TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'P',
			format TEXT NOT NULL DEFAULT 'S',
			status TEXT NOT NULL DEFAULT 'A',
			stock NUMERIC(18,4) NOT NULL DEFAULT 0,
			cost_price NUMERIC(18,4) NOT NULL DEFAULT 0,
			sale_price NUMERIC(18,4) NOT NULL DEFAULT 0,
			payload JSONB,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, account)
		)`,
		`CREATE TABLE IF NOT EXISTS product_structures (
			parent_id BIGINT NOT NULL,
			child_id BIGINT NOT NULL,
			account TEXT NOT NULL,
			quantity NUMERIC(18,4) NOT NULL DEFAULT 0,
			PRIMARY KEY (parent_id, child_id, account)
		)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			entity_id BIGINT NOT NULL,
			event TEXT NOT NULL,
			account TEXT NOT NULL,
			payload JSONB,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (entity_id, event)
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			task_id TEXT PRIMARY KEY,
			task JSONB NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	upsertAccount: `INSERT INTO accounts (name, client_id, client_secret, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
	upsertOrder: `INSERT INTO orders (id, account, store_id, number, store_number, total, status_id,
			created_at, updated_at, last_event, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			account = EXCLUDED.account,
			store_id = EXCLUDED.store_id,
			number = EXCLUDED.number,
			store_number = EXCLUDED.store_number,
			total = EXCLUDED.total,
			status_id = EXCLUDED.status_id,
			created_at = COALESCE(orders.created_at, EXCLUDED.created_at),
			updated_at = EXCLUDED.updated_at,
			last_event = EXCLUDED.last_event,
			payload = EXCLUDED.payload`,
	upsertProduct: `INSERT INTO products (id, account, code, name, type, format, status, stock,
			cost_price, sale_price, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, account) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			format = EXCLUDED.format,
			status = EXCLUDED.status,
			stock = EXCLUDED.stock,
			cost_price = EXCLUDED.cost_price,
			sale_price = EXCLUDED.sale_price,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`,
	insertEdge: `INSERT INTO product_structures (parent_id, child_id, account, quantity)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
	upsertEvent: `INSERT INTO event_log (entity_id, event, account, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, event) DO UPDATE SET
			account = EXCLUDED.account,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`,
	upsertDead: `INSERT INTO dead_letters (task_id, task, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			task = EXCLUDED.task,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			created_at = EXCLUDED.created_at`,
	tableSize: `SELECT COALESCE(SUM(pg_total_relation_size(c.oid)), 0) FROM pg_class c
		WHERE c.relkind = 'r' AND c.relname IN ('orders', 'order_items', 'products', 'product_structures', 'event_log')`,
}

var mysqlDialect = &dialect{
	name:   "mysql",
	driver: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			name VARCHAR(191) PRIMARY KEY,
			client_id VARCHAR(255) NOT NULL DEFAULT '',
			client_secret VARCHAR(255) NOT NULL DEFAULT '',
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGINT PRIMARY KEY,
			account VARCHAR(191) NOT NULL,
			store_id BIGINT NOT NULL DEFAULT 0,
			number VARCHAR(64) NOT NULL DEFAULT '',
			store_number VARCHAR(191) NOT NULL DEFAULT '',
			total DECIMAL(18,4) NOT NULL DEFAULT 0,
			status_id BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NULL,
			updated_at DATETIME(6) NOT NULL,
			last_event VARCHAR(64) NOT NULL DEFAULT '',
			payload LONGTEXT,
			INDEX idx_orders_account_created (account, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id BIGINT NOT NULL,
			code VARCHAR(191) NOT NULL,
			description TEXT NOT NULL,
			quantity DECIMAL(18,4) NOT NULL DEFAULT 0,
			unit_price DECIMAL(18,4) NOT NULL DEFAULT 0,
			sold_at DATETIME(6) NOT NULL,
			PRIMARY KEY (order_id, code)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS products (
			id BIGINT NOT NULL,
			account VARCHAR(191) NOT NULL,
			code VARCHAR(191) NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			type VARCHAR(8) NOT NULL DEFAULT 'P',
			format VARCHAR(8) NOT NULL DEFAULT 'S',
			status VARCHAR(8) NOT NULL DEFAULT 'A',
			stock DECIMAL(18,4) NOT NULL DEFAULT 0,
			cost_price DECIMAL(18,4) NOT NULL DEFAULT 0,
			sale_price DECIMAL(18,4) NOT NULL DEFAULT 0,
			payload LONGTEXT,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (id, account)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS product_structures (
			parent_id BIGINT NOT NULL,
			child_id BIGINT NOT NULL,
			account VARCHAR(191) NOT NULL,
			quantity DECIMAL(18,4) NOT NULL DEFAULT 0,
			PRIMARY KEY (parent_id, child_id, account)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS event_log (
			entity_id BIGINT NOT NULL,
			event VARCHAR(64) NOT NULL,
			account VARCHAR(191) NOT NULL,
			payload LONGTEXT,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (entity_id, event)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			task_id VARCHAR(64) PRIMARY KEY,
			task LONGTEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	upsertAccount: `INSERT INTO accounts (name, client_id, client_secret, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			client_id = VALUES(client_id),
			client_secret = VALUES(client_secret),
			access_token = VALUES(access_token),
			refresh_token = VALUES(refresh_token),
			expires_at = VALUES(expires_at),
			updated_at = VALUES(updated_at)`,
	upsertOrder: `INSERT INTO orders (id, account, store_id, number, store_number, total, status_id,
			created_at, updated_at, last_event, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			account = VALUES(account),
			store_id = VALUES(store_id),
			number = VALUES(number),
			store_number = VALUES(store_number),
			total = VALUES(total),
			status_id = VALUES(status_id),
			created_at = COALESCE(created_at, VALUES(created_at)),
			updated_at = VALUES(updated_at),
			last_event = VALUES(last_event),
			payload = VALUES(payload)`,
	upsertProduct: `INSERT INTO products (id, account, code, name, type, format, status, stock,
			cost_price, sale_price, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			code = VALUES(code),
			name = VALUES(name),
			type = VALUES(type),
			format = VALUES(format),
			status = VALUES(status),
			stock = VALUES(stock),
			cost_price = VALUES(cost_price),
			sale_price = VALUES(sale_price),
			payload = VALUES(payload),
			updated_at = VALUES(updated_at)`,
	insertEdge: `INSERT IGNORE INTO product_structures (parent_id, child_id, account, quantity)
		VALUES (?, ?, ?, ?)`,
	upsertEvent: `INSERT INTO event_log (entity_id, event, account, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			account = VALUES(account),
			payload = VALUES(payload),
			updated_at = VALUES(updated_at)`,
	upsertDead: `INSERT INTO dead_letters (task_id, task, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			task = VALUES(task),
			attempts = VALUES(attempts),
			last_error = VALUES(last_error),
			created_at = VALUES(created_at)`,
	tableSize: `SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables
		WHERE table_schema = DATABASE()`,
}

var sqliteDialect = &dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			name TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY,
			account TEXT NOT NULL,
			store_id INTEGER NOT NULL DEFAULT 0,
			number TEXT NOT NULL DEFAULT '',
			store_number TEXT NOT NULL DEFAULT '',
			total TEXT NOT NULL DEFAULT '0',
			status_id INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME NOT NULL,
			last_event TEXT NOT NULL DEFAULT '',
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account_created ON orders(account, created_at)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id INTEGER NOT NULL,
			code TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			quantity TEXT NOT NULL DEFAULT '0',
			unit_price TEXT NOT NULL DEFAULT '0',
			sold_at DATETIME NOT NULL,
			PRIMARY KEY (order_id, code)
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id INTEGER NOT NULL,
			account TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'P',
			format TEXT NOT NULL DEFAULT 'S',
			status TEXT NOT NULL DEFAULT 'A',
			stock TEXT NOT NULL DEFAULT '0',
			cost_price TEXT NOT NULL DEFAULT '0',
			sale_price TEXT NOT NULL DEFAULT '0',
			payload TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (id, account)
		)`,
		`CREATE TABLE IF NOT EXISTS product_structures (
			parent_id INTEGER NOT NULL,
			child_id INTEGER NOT NULL,
			account TEXT NOT NULL,
			quantity TEXT NOT NULL DEFAULT '0',
			PRIMARY KEY (parent_id, child_id, account)
		)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			entity_id INTEGER NOT NULL,
			event TEXT NOT NULL,
			account TEXT NOT NULL,
			payload TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (entity_id, event)
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			task_id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
	},
	upsertAccount: `INSERT INTO accounts (name, client_id, client_secret, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
	upsertOrder: `INSERT INTO orders (id, account, store_id, number, store_number, total, status_id,
			created_at, updated_at, last_event, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account = excluded.account,
			store_id = excluded.store_id,
			number = excluded.number,
			store_number = excluded.store_number,
			total = excluded.total,
			status_id = excluded.status_id,
			created_at = COALESCE(orders.created_at, excluded.created_at),
			updated_at = excluded.updated_at,
			last_event = excluded.last_event,
			payload = excluded.payload`,
	upsertProduct: `INSERT INTO products (id, account, code, name, type, format, status, stock,
			cost_price, sale_price, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, account) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			type = excluded.type,
			format = excluded.format,
			status = excluded.status,
			stock = excluded.stock,
			cost_price = excluded.cost_price,
			sale_price = excluded.sale_price,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
	insertEdge: `INSERT INTO product_structures (parent_id, child_id, account, quantity)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
	upsertEvent: `INSERT INTO event_log (entity_id, event, account, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, event) DO UPDATE SET
			account = excluded.account,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
	upsertDead: `INSERT INTO dead_letters (task_id, task, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			task = excluded.task,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			created_at = excluded.created_at`,
	tableSize: `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
}

// rebind rewrites '?' placeholders for the dialect. Only PostgreSQL needs it.
func (d *dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB is the storage handle shared by the pool, the QR service and the
// reconciliation engine. The backend is chosen once in Open; callers only
// see the operations on Queries and the transactional scope of WithTx.
type DB struct {
	*Queries
	sql *sql.DB
}

// Open connects to the given backend and ensures all tables exist. For
// sqlite pass a file path or ":memory:".
func Open(driver, dsn string) (*DB, error) {
	var (
		d   dialect
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite, "":
		d = sqliteDialect
		db, err = openSQLite(dsn)
	case DriverPostgres:
		d = postgresDialect
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			err = db.Ping()
		}
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &DB{Queries: &Queries{q: db, d: d}, sql: db}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer at a time; a single connection turns lock
	// contention into queueing in database/sql and keeps :memory: databases
	// on one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return db, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

// Driver names the backend in use.
func (db *DB) Driver() string {
	return db.d.name
}

// WithTx runs fn inside one database transaction. Any error from fn rolls
// the whole unit back.
func (db *DB) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{q: tx, d: db.d}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identifier_pool (
			code TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			merchant_id TEXT,
			created_at TEXT NOT NULL,
			reserved_at TEXT,
			used_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identifier_pool_state ON identifier_pool(state, created_at)`,

		`CREATE TABLE IF NOT EXISTS qr_codes (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			identifier TEXT NOT NULL UNIQUE,
			vpa TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qr_codes_merchant ON qr_codes(merchant_id)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			merchant_name TEXT NOT NULL,
			terminal_id TEXT NOT NULL,
			bank_reference TEXT NOT NULL,
			merchant_txn_id TEXT NOT NULL,
			qr_reference TEXT NOT NULL,
			amount TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			status_code TEXT NOT NULL,
			status_description TEXT NOT NULL,
			payer_vpa TEXT NOT NULL,
			payer_name TEXT NOT NULL,
			payer_mobile TEXT NOT NULL,
			transaction_time TEXT NOT NULL,
			settlement_amount TEXT NOT NULL,
			settlement_time TEXT,
			payment_mode TEXT NOT NULL,
			merchant_category TEXT NOT NULL,
			tip_amount TEXT NOT NULL,
			convenience_fee TEXT NOT NULL,
			checksum TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			received_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id, transaction_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_qr_reference ON transactions(qr_reference)`,

		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			merchant_id TEXT NOT NULL,
			day TEXT NOT NULL,
			txn_count BIGINT NOT NULL,
			total_amount_minor BIGINT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (merchant_id, day)
		)`,

		`CREATE TABLE IF NOT EXISTS reconciliation_audit (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_audit_txn ON reconciliation_audit(transaction_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// Package store is the SQLite-backed persistence layer: alerts,
// positions, user_settings, admin_settings, user_api_keys,
// monitor_locks, monitoring_logs, banned_symbols. Raw SQL throughout,
// no ORM; WAL mode, serializable transactions for anything that
// mutates position state.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the shared *sql.DB every repository in this package reads
// and writes through.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// enables WAL mode, and applies the schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages (e.g. a future
// admin-reporting surface) that need read-only ad hoc queries without
// a dedicated repository method.
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	sl TEXT NOT NULL,
	tp1 TEXT NOT NULL,
	tp2 TEXT NOT NULL,
	tp3 TEXT NOT NULL,
	main_tp TEXT NOT NULL,
	atr TEXT NOT NULL,
	leverage INTEGER NOT NULL,
	strength TEXT NOT NULL,
	tier TEXT NOT NULL,
	mode TEXT NOT NULL,
	indicator_version TEXT NOT NULL,
	session TEXT NOT NULL,
	raw_payload TEXT NOT NULL,
	tv_ts INTEGER NOT NULL,
	webhook_received_at INTEGER NOT NULL,
	exchange_executed_at INTEGER,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	is_test INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, symbol);

CREATE TABLE IF NOT EXISTS positions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	leverage INTEGER NOT NULL,
	sl_price TEXT NOT NULL,
	sl_order_id TEXT NOT NULL DEFAULT '',
	tp1_price TEXT NOT NULL DEFAULT '0',
	tp1_quantity TEXT NOT NULL DEFAULT '0',
	tp1_order_id TEXT NOT NULL DEFAULT '',
	tp1_filled INTEGER NOT NULL DEFAULT 0,
	tp2_price TEXT NOT NULL DEFAULT '0',
	tp2_quantity TEXT NOT NULL DEFAULT '0',
	tp2_order_id TEXT NOT NULL DEFAULT '',
	tp2_filled INTEGER NOT NULL DEFAULT 0,
	tp3_price TEXT NOT NULL DEFAULT '0',
	tp3_quantity TEXT NOT NULL DEFAULT '0',
	tp3_order_id TEXT NOT NULL DEFAULT '',
	tp3_filled INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	close_reason TEXT NOT NULL DEFAULT '',
	close_price TEXT NOT NULL DEFAULT '0',
	realized_pnl TEXT NOT NULL DEFAULT '0',
	current_price TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	last_check_at INTEGER NOT NULL,
	check_errors INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	closed_at INTEGER,
	alert_id INTEGER,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_unique ON positions(user_id, symbol, side) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, status);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id TEXT PRIMARY KEY,
	settings TEXT NOT NULL,
	group_modes TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS admin_settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	settings TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_api_keys (
	user_id TEXT PRIMARY KEY,
	api_key_ciphertext TEXT NOT NULL,
	secret_ciphertext TEXT NOT NULL,
	passphrase_ciphertext TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS monitor_locks (
	lock_type TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS monitoring_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	position_id INTEGER,
	check_type TEXT NOT NULL,
	status TEXT NOT NULL,
	issues TEXT NOT NULL DEFAULT '[]',
	expected_data TEXT NOT NULL DEFAULT '{}',
	actual_data TEXT NOT NULL DEFAULT '{}',
	actions_taken TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitoring_logs_user ON monitoring_logs(user_id, created_at);

CREATE TABLE IF NOT EXISTS banned_symbols (
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	reason TEXT NOT NULL,
	banned_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, symbol)
);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// withSerializableTx runs fn inside a serializable transaction and
// commits iff fn succeeds. Position mutations and the lease upsert go
// through here so a concurrent reader never observes a half-applied
// write.
func (s *Store) withSerializableTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

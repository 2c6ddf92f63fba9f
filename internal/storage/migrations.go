package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one schema change applied exactly once, tracked through the
// schema_version table.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrations lists every schema change in order. Versions are append-only;
// never edit an applied migration.
var migrations = []migration{
	{
		version:     1,
		description: "key pool and quota accounting tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				api_key TEXT NOT NULL UNIQUE,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS key_usage_events (
				id TEXT PRIMARY KEY,
				api_key TEXT NOT NULL,
				used_at_reference TIMESTAMP NOT NULL,
				used_at_local TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS key_daily_usage (
				api_key TEXT NOT NULL,
				usage_date TEXT NOT NULL,
				count INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (api_key, usage_date)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_events_key ON key_usage_events (api_key, used_at_reference)`,
		},
	},
	{
		version:     2,
		description: "option records with per-contract uniqueness backstop",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS option_records (
				contract_id TEXT NOT NULL,
				symbol TEXT NOT NULL,
				expiration TEXT,
				strike TEXT,
				option_type TEXT,
				last TEXT,
				mark TEXT,
				bid TEXT,
				bid_size TEXT,
				ask TEXT,
				ask_size TEXT,
				volume TEXT,
				open_interest TEXT,
				quote_date TEXT NOT NULL,
				implied_volatility TEXT,
				delta TEXT,
				gamma TEXT,
				theta TEXT,
				vega TEXT,
				rho TEXT,
				created_at TIMESTAMP NOT NULL,
				UNIQUE (contract_id, quote_date)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_option_records_symbol_date ON option_records (symbol, quote_date)`,
			`CREATE INDEX IF NOT EXISTS idx_option_records_expiration ON option_records (symbol, expiration)`,
		},
	},
}

// runMigrations applies every pending migration inside its own
// transaction. Safe to call on every startup.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

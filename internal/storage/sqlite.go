// SQLite-backed implementation of the Store interface using the pure-Go
// modernc.org/sqlite driver. Quota increments run as read-then-upsert
// inside immediate transactions, so concurrent claimers serialize through
// the database rather than racing in process memory.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ArnoldWan/options-chain-collector/internal/models"
)

// SQLiteStorage implements the Store interface on a local SQLite database.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewSQLiteStorage opens (or creates) the database at dbPath. WAL mode and
// a busy timeout keep concurrent writers waiting instead of failing, and
// _txlock=immediate makes every transaction take the write lock up front
// so claim/release read-modify-write sequences are serialized.
// _time_format=sqlite persists bound time.Time values in SQLite's own
// text format, so the date functions can read them and TIMESTAMP columns
// scan back as time.Time.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_time_format=sqlite&_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open sqlite database: %w", err))
	}

	// Single writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

// Initialize implements Manager.Initialize by applying pending schema
// migrations.
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	s.logger.Info("initializing sqlite storage", "db_path", s.dbPath)

	if err := runMigrations(ctx, s.db); err != nil {
		return NewStorageError("initialize", "", err)
	}

	s.logger.Info("sqlite storage initialized")
	return nil
}

// Close implements Manager.Close.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// HealthCheck implements Manager.HealthCheck.
func (s *SQLiteStorage) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStorageError("ping", "", err)
	}
	return nil
}

// HasSnapshot implements SnapshotChecker.HasSnapshot.
func (s *SQLiteStorage) HasSnapshot(ctx context.Context, symbol, date string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM option_records WHERE symbol = ? AND quote_date = ?)`,
		symbol, date,
	).Scan(&exists)
	if err != nil {
		return false, NewQueryError("option_records", err)
	}
	return exists, nil
}

// StoreSnapshot implements SnapshotStorer.StoreSnapshot. All records and
// the usage event commit in one transaction; a uniqueness violation on
// (contract_id, quote_date) rolls everything back and reports
// ErrDuplicateSnapshot.
func (s *SQLiteStorage) StoreSnapshot(ctx context.Context, records []models.OptionRecord, event models.UsageEvent) (int, error) {
	if len(records) == 0 {
		return 0, NewInsertError("option_records", errors.New("empty snapshot"))
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return 0, NewInsertError("option_records", fmt.Errorf("invalid record at index %d: %w", i, err))
		}
	}
	if err := event.Validate(); err != nil {
		return 0, NewInsertError("key_usage_events", err)
	}

	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError("option_records", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO option_records (
		contract_id, symbol, expiration, strike, option_type,
		last, mark, bid, bid_size, ask, ask_size,
		volume, open_interest, quote_date,
		implied_volatility, delta, gamma, theta, vega, rho, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, NewInsertError("option_records", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	createdAt := time.Now().UTC()
	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.ContractID, r.Symbol, nullable(r.Expiration), nullable(r.Strike), nullable(r.Type),
			nullable(r.Last), nullable(r.Mark), nullable(r.Bid), nullable(r.BidSize), nullable(r.Ask), nullable(r.AskSize),
			nullable(r.Volume), nullable(r.OpenInterest), r.Date,
			nullable(r.ImpliedVolatility), nullable(r.Delta), nullable(r.Gamma), nullable(r.Theta), nullable(r.Vega), nullable(r.Rho),
			createdAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("%w: contract %s on %s", ErrDuplicateSnapshot, r.ContractID, r.Date)
			}
			return 0, NewInsertError("option_records", fmt.Errorf("failed to insert contract %s: %w", r.ContractID, err))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO key_usage_events (id, api_key, used_at_reference, used_at_local) VALUES (?, ?, ?, ?)`,
		event.ID, event.Key, event.UsedAtReference, event.UsedAtLocal,
	); err != nil {
		return 0, NewInsertError("key_usage_events", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError("option_records", fmt.Errorf("failed to commit snapshot: %w", err))
	}

	s.logger.Debug("stored chain snapshot",
		"symbol", records[0].Symbol,
		"date", records[0].Date,
		"count", len(records),
		"duration", time.Since(start))

	return len(records), nil
}

// ClaimSlot implements KeyQuota.ClaimSlot. The select and the
// increment-or-insert run inside one immediate transaction, so two
// concurrent claimers can never both observe count=N and both write N+1.
func (s *SQLiteStorage) ClaimSlot(ctx context.Context, date string, limit int) (models.APIKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.APIKey{}, NewUpdateError("key_daily_usage", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var key models.APIKey
	err = tx.QueryRowContext(ctx, `
		SELECT k.id, k.api_key, k.created_at
		FROM api_keys k
		LEFT JOIN key_daily_usage u ON u.api_key = k.api_key AND u.usage_date = ?
		WHERE COALESCE(u.count, 0) < ?
		ORDER BY COALESCE(u.count, 0) ASC, k.id ASC
		LIMIT 1`,
		date, limit,
	).Scan(&key.ID, &key.Key, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.APIKey{}, ErrNoKeyAvailable
	}
	if err != nil {
		return models.APIKey{}, NewQueryError("api_keys", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO key_daily_usage (api_key, usage_date, count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (api_key, usage_date) DO UPDATE SET
			count = count + 1,
			updated_at = excluded.updated_at`,
		key.Key, date, now, now,
	); err != nil {
		return models.APIKey{}, NewUpdateError("key_daily_usage", err)
	}

	if err := tx.Commit(); err != nil {
		return models.APIKey{}, NewUpdateError("key_daily_usage", fmt.Errorf("failed to commit claim: %w", err))
	}

	return key, nil
}

// ReleaseSlot implements KeyQuota.ReleaseSlot.
func (s *SQLiteStorage) ReleaseSlot(ctx context.Context, key, date string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE key_daily_usage
		SET count = count - 1, updated_at = ?
		WHERE api_key = ? AND usage_date = ? AND count > 0`,
		time.Now().UTC(), key, date,
	)
	if err != nil {
		return NewUpdateError("key_daily_usage", err)
	}
	return nil
}

// UsageCount implements KeyQuota.UsageCount.
func (s *SQLiteStorage) UsageCount(ctx context.Context, key, date string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT count FROM key_daily_usage WHERE api_key = ? AND usage_date = ?), 0)`,
		key, date,
	).Scan(&count)
	if err != nil {
		return 0, NewQueryError("key_daily_usage", err)
	}
	return count, nil
}

// UsageCounts implements KeyQuota.UsageCounts. Timestamp columns are
// selected bare, not wrapped in expressions: the driver only maps a value
// back to time.Time when the column's declared type is visible, so the
// keys-without-usage fallback happens in Go instead of in COALESCE.
func (s *SQLiteStorage) UsageCounts(ctx context.Context, date string) ([]models.DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.api_key, COALESCE(u.count, 0), u.created_at, u.updated_at, k.created_at
		FROM api_keys k
		LEFT JOIN key_daily_usage u ON u.api_key = k.api_key AND u.usage_date = ?
		ORDER BY k.id ASC`,
		date,
	)
	if err != nil {
		return nil, NewQueryError("key_daily_usage", err)
	}
	defer rows.Close()

	var usages []models.DailyUsage
	for rows.Next() {
		var (
			u          models.DailyUsage
			created    sql.NullTime
			updated    sql.NullTime
			keyCreated time.Time
		)
		if err := rows.Scan(&u.Key, &u.Count, &created, &updated, &keyCreated); err != nil {
			return nil, NewQueryError("key_daily_usage", err)
		}
		u.Date = date
		u.CreatedAt = keyCreated
		u.UpdatedAt = keyCreated
		if created.Valid {
			u.CreatedAt = created.Time
		}
		if updated.Valid {
			u.UpdatedAt = updated.Time
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("key_daily_usage", err)
	}
	return usages, nil
}

// AddKey implements KeyAdmin.AddKey.
func (s *SQLiteStorage) AddKey(ctx context.Context, key string) (models.APIKey, error) {
	if key == "" {
		return models.APIKey{}, NewInsertError("api_keys", errors.New("api key cannot be empty"))
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (api_key, created_at) VALUES (?, ?)`, key, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.APIKey{}, ErrKeyExists
		}
		return models.APIKey{}, NewInsertError("api_keys", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return models.APIKey{}, NewInsertError("api_keys", err)
	}

	return models.APIKey{ID: id, Key: key, CreatedAt: now}, nil
}

// ListKeys implements KeyAdmin.ListKeys.
func (s *SQLiteStorage) ListKeys(ctx context.Context) ([]models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, api_key, created_at FROM api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, NewQueryError("api_keys", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Key, &k.CreatedAt); err != nil {
			return nil, NewQueryError("api_keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("api_keys", err)
	}
	return keys, nil
}

// UsageEventCount returns the number of append-only usage events for one
// key on one reference date. Used for audit reconciliation against the
// daily counter. The stored text starts with the wall-clock date in the
// reference timezone; comparing its prefix avoids date(), which would
// first normalize the offset-carrying timestamp to UTC and shift evening
// events into the next bucket.
func (s *SQLiteStorage) UsageEventCount(ctx context.Context, key, date string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM key_usage_events WHERE api_key = ? AND substr(used_at_reference, 1, 10) = ?`,
		key, date,
	).Scan(&count)
	if err != nil {
		return 0, NewQueryError("key_usage_events", err)
	}
	return count, nil
}

// nullable maps empty provider fields to NULL instead of empty strings.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation recognizes SQLite UNIQUE constraint failures without
// depending on driver-internal error codes.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

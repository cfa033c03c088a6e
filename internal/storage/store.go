package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fundingflow/internal/model"
	"fundingflow/logger"
)

// timeLayout keeps persisted timestamps lexically ordered so MIN/MAX
// and range predicates work on the TEXT column directly.
const timeLayout = "2006-01-02T15:04:05Z"

// Store persists funding-rate rows and per-pair support state in
// SQLite. All timestamps are stored as RFC3339 UTC text.
type Store struct {
	db  *sql.DB
	log *logger.Log
}

// NewStore opens (or creates) the database at path and applies the
// schema.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, log: logger.GetLogger()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.WithComponent("storage").WithFields(logger.Fields{"path": path}).Info("database opened")
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trading_pair (
			symbol TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS exchange_support (
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			supported BOOLEAN NOT NULL,
			listing_date TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, exchange)
		);`,
		`CREATE TABLE IF NOT EXISTS funding_rate_history (
			timestamp_utc TEXT NOT NULL,
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			funding_rate REAL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (timestamp_utc, symbol, exchange)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_frh_symbol_exchange ON funding_rate_history(symbol, exchange, timestamp_utc);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec schema query: %w", err)
		}
	}
	return nil
}

// UpsertPairs replaces the tracked pair universe, preserving the given
// order as the ranking used by top-N selection.
func (s *Store) UpsertPairs(ctx context.Context, symbols []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trading_pair (symbol, position)
		VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET position=excluded.position`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sym := range symbols {
		if _, err := stmt.ExecContext(ctx, sym, i+1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TopSymbols returns the first n tracked symbols by ranking. n <= 0
// returns all of them.
func (s *Store) TopSymbols(ctx context.Context, n int) ([]string, error) {
	query := `SELECT symbol FROM trading_pair ORDER BY position`
	args := []interface{}{}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// UpsertSupport writes the support state for one (symbol, exchange)
// pair.
func (s *Store) UpsertSupport(ctx context.Context, rec model.SupportRecord) error {
	var listing interface{}
	if rec.ListingDate != nil {
		listing = rec.ListingDate.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO exchange_support (symbol, exchange, supported, listing_date, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, exchange) DO UPDATE SET
		supported=excluded.supported,
		listing_date=excluded.listing_date,
		updated_at=CURRENT_TIMESTAMP`,
		rec.Symbol, string(rec.Exchange), rec.Supported, listing)
	return err
}

// Support looks up the persisted support state for one pair. The
// second return value reports whether a record exists.
func (s *Store) Support(ctx context.Context, symbol string, exchange model.Exchange) (model.SupportRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT symbol, exchange, supported, listing_date
		FROM exchange_support WHERE symbol = ? AND exchange = ?`, symbol, string(exchange))

	var rec model.SupportRecord
	var ex string
	var listing sql.NullString
	if err := row.Scan(&rec.Symbol, &ex, &rec.Supported, &listing); err != nil {
		if err == sql.ErrNoRows {
			return model.SupportRecord{}, false, nil
		}
		return model.SupportRecord{}, false, err
	}
	rec.Exchange = model.Exchange(ex)
	if listing.Valid {
		t, err := time.Parse(timeLayout, listing.String)
		if err != nil {
			return model.SupportRecord{}, false, fmt.Errorf("corrupt listing_date for %s/%s: %w", symbol, ex, err)
		}
		rec.ListingDate = &t
	}
	return rec, true, nil
}

// UpsertFundingRates merges grid rows into the history table in one
// transaction. Conflicting rows keep their created_at and take the new
// rate, making re-runs of the same window idempotent. Returns the
// number of rows written.
func (s *Store) UpsertFundingRates(ctx context.Context, rows []model.FundingRateEvent) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO funding_rate_history (timestamp_utc, symbol, exchange, funding_rate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(timestamp_utc, symbol, exchange) DO UPDATE SET
		funding_rate=excluded.funding_rate,
		updated_at=CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, row := range rows {
		var rate interface{}
		if row.Rate != nil {
			rate = *row.Rate
		}
		if _, err := stmt.ExecContext(ctx,
			row.TimestampUTC.UTC().Format(timeLayout),
			row.Symbol,
			string(row.Exchange),
			rate,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.IncrementRowsUpserted(len(rows))
	return len(rows), nil
}

// LatestTimestamp returns the newest persisted grid hour for the pair
// inside [start, end). The second return value is false when the range
// holds no rows; rows outside it never influence the result.
func (s *Store) LatestTimestamp(ctx context.Context, symbol string, exchange model.Exchange, start, end time.Time) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp_utc) FROM funding_rate_history
		WHERE symbol = ? AND exchange = ? AND timestamp_utc >= ? AND timestamp_utc < ?`,
		symbol, string(exchange),
		start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))

	var max sql.NullString
	if err := row.Scan(&max); err != nil {
		return time.Time{}, false, err
	}
	if !max.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(timeLayout, max.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt timestamp_utc %q: %w", max.String, err)
	}
	return t, true, nil
}

// DistinctDays counts the distinct UTC dates with persisted rows for
// the pair inside [start, end).
func (s *Store) DistinctDays(ctx context.Context, symbol string, exchange model.Exchange, start, end time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT DATE(timestamp_utc)) FROM funding_rate_history
		WHERE symbol = ? AND exchange = ? AND timestamp_utc >= ? AND timestamp_utc < ?`,
		symbol, string(exchange),
		start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// FundingRates reads back the grid rows for the pair inside
// [start, end) in ascending order.
func (s *Store) FundingRates(ctx context.Context, symbol string, exchange model.Exchange, start, end time.Time) ([]model.FundingRateEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp_utc, symbol, exchange, funding_rate
		FROM funding_rate_history
		WHERE symbol = ? AND exchange = ? AND timestamp_utc >= ? AND timestamp_utc < ?
		ORDER BY timestamp_utc`,
		symbol, string(exchange),
		start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FundingRateEvent
	for rows.Next() {
		var ts, sym, ex string
		var rate sql.NullFloat64
		if err := rows.Scan(&ts, &sym, &ex, &rate); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp_utc %q: %w", ts, err)
		}
		ev := model.FundingRateEvent{TimestampUTC: t, Symbol: sym, Exchange: model.Exchange(ex)}
		if rate.Valid {
			v := rate.Float64
			ev.Rate = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

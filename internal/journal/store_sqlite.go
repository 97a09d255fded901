package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// SQLiteStore persists the journal in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS funding_payments (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	venue         TEXT    NOT NULL,
	symbol        TEXT    NOT NULL,
	amount        TEXT    NOT NULL,
	rate          TEXT    NOT NULL,
	position_size TEXT    NOT NULL,
	paid_at       INTEGER NOT NULL,
	UNIQUE (venue, symbol, paid_at)
);
CREATE INDEX IF NOT EXISTS idx_funding_paid_at ON funding_payments (paid_at);

CREATE TABLE IF NOT EXISTS fills (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	venue           TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	order_id        TEXT    NOT NULL,
	client_order_id TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	size            TEXT    NOT NULL,
	price           TEXT    NOT NULL,
	reduce_only     INTEGER NOT NULL,
	observed_at     INTEGER NOT NULL,
	UNIQUE (venue, order_id)
);
CREATE INDEX IF NOT EXISTS idx_fills_observed_at ON fills (observed_at);
`

// NewSQLiteStore opens (or creates) the journal database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite locks the whole file; a single connection keeps the
	// collector and the fill observer from tripping over busy errors.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordFundingPayments(ctx context.Context, payments []core.FundingPayment) (int, error) {
	if len(payments) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO funding_payments
		(venue, symbol, amount, rate, position_size, paid_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range payments {
		res, err := stmt.ExecContext(ctx, string(p.Venue), p.Symbol,
			p.Amount.String(), p.Rate.String(), p.PositionSize.String(), p.PaidAt.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("failed to write funding payment: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit funding payments: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) RecordFill(ctx context.Context, fill Fill) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO fills
		(venue, symbol, order_id, client_order_id, side, size, price, reduce_only, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(fill.Venue), fill.Symbol, fill.OrderID, fill.ClientOrderID,
		string(fill.Side), fill.Size.String(), fill.Price.String(),
		fill.ReduceOnly, fill.ObservedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write fill: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FundingSummary(ctx context.Context, since time.Time) ([]FundingSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue, symbol, amount, paid_at
		FROM funding_payments WHERE paid_at >= ?`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query funding payments: %w", err)
	}
	defer rows.Close()

	byKey := make(map[summaryKey]*FundingSummary)
	for rows.Next() {
		var venue, symbol, amount string
		var paidAt int64
		if err := rows.Scan(&venue, &symbol, &amount, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan funding payment: %w", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
		}
		foldPayment(byKey, core.Venue(venue), symbol, amt, time.Unix(0, paidAt))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sortedFundingSummaries(byKey), nil
}

func (s *SQLiteStore) FillSummary(ctx context.Context, since time.Time) ([]FillSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue, symbol, side, size
		FROM fills WHERE observed_at >= ?`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	byKey := make(map[summaryKey]*FillSummary)
	for rows.Next() {
		var venue, symbol, side, size string
		if err := rows.Scan(&venue, &symbol, &side, &size); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		sz, err := decimal.NewFromString(size)
		if err != nil {
			return nil, fmt.Errorf("corrupt size %q: %w", size, err)
		}
		foldFill(byKey, core.Venue(venue), symbol, core.OrderSide(side), sz)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sortedFillSummaries(byKey), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ratchet/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ DecisionStore = (*SQLiteStore)(nil)
var _ TradeStore = (*SQLiteStore)(nil)
var _ OrderStore = (*SQLiteStore)(nil)

// SQLiteStore implements DecisionStore, TradeStore and OrderStore backed by a
// SQLite database. It is the queryable journal of a trading run.
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		time     INTEGER NOT NULL,
		symbol   TEXT NOT NULL,
		strategy TEXT NOT NULL,
		outcome  TEXT NOT NULL,
		reason   TEXT NOT NULL,
		price    REAL NOT NULL,
		qty      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS decisions_symbol_time ON decisions (symbol, time)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol       TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		entry_time   INTEGER NOT NULL,
		entry_price  REAL NOT NULL,
		quantity     INTEGER NOT NULL,
		initial_stop REAL NOT NULL,
		exits        TEXT NOT NULL,
		pnl          REAL NOT NULL,
		r_multiple   REAL NOT NULL,
		exit_reason  TEXT NOT NULL,
		hold_ms      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_symbol_entry ON trades (symbol, entry_time)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		client_order_id  TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		side             TEXT NOT NULL,
		type             TEXT NOT NULL,
		status           TEXT NOT NULL,
		qty              INTEGER NOT NULL,
		limit_price      REAL NOT NULL,
		filled_qty       INTEGER NOT NULL,
		filled_avg_price REAL NOT NULL,
		reason           TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_status ON orders (status)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore. Use ":memory:" for a
// throwaway journal.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the engines of a parallel backtest share the
	// journal.
	db.SetMaxOpenConns(1)

	for _, stmt := range append([]string{`PRAGMA busy_timeout = 5000`}, migrations...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// DecisionStore implementation
// ---------------------------------------------------------------------------

// RecordDecision inserts one decision record.
func (s *SQLiteStore) RecordDecision(ctx context.Context, rec domain.DecisionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (time, symbol, strategy, outcome, reason, price, qty)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.UnixMilli(), rec.Symbol, rec.Strategy, string(rec.Outcome), rec.Reason, rec.Price, rec.Qty,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns decisions matching f, oldest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]domain.DecisionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	q := `SELECT time, symbol, strategy, outcome, reason, price, qty FROM decisions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY time, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		var (
			rec     domain.DecisionRecord
			ms      int64
			outcome string
		)
		if err := rows.Scan(&ms, &rec.Symbol, &rec.Strategy, &outcome, &rec.Reason, &rec.Price, &rec.Qty); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.Time = time.UnixMilli(ms).UTC()
		rec.Outcome = domain.DecisionOutcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// RecordTrade inserts one closed trade. Exit fills are stored as JSON.
func (s *SQLiteStore) RecordTrade(ctx context.Context, rec domain.TradeRecord) error {
	exits, err := json.Marshal(rec.Exits)
	if err != nil {
		return fmt.Errorf("encode exits: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, strategy, entry_time, entry_price, quantity, initial_stop,
		                     exits, pnl, r_multiple, exit_reason, hold_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, rec.Strategy, rec.EntryTime.UnixMilli(), rec.EntryPrice, rec.Quantity, rec.InitialStop,
		string(exits), rec.PnL, rec.RMultiple, string(rec.ExitReason), rec.HoldDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns trades entered within [start, end], oldest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error) {
	q := `SELECT symbol, strategy, entry_time, entry_price, quantity, initial_stop,
	             exits, pnl, r_multiple, exit_reason, hold_ms
	      FROM trades WHERE entry_time >= ? AND entry_time <= ?`
	args := []any{start.UnixMilli(), end.UnixMilli()}
	if symbol != "" {
		q += " AND symbol = ?"
		args = append(args, symbol)
	}
	q += " ORDER BY entry_time, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var (
			rec             domain.TradeRecord
			entryMs, holdMs int64
			exits, reason   string
		)
		if err := rows.Scan(&rec.Symbol, &rec.Strategy, &entryMs, &rec.EntryPrice, &rec.Quantity, &rec.InitialStop,
			&exits, &rec.PnL, &rec.RMultiple, &reason, &holdMs); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if err := json.Unmarshal([]byte(exits), &rec.Exits); err != nil {
			return nil, fmt.Errorf("decode exits: %w", err)
		}
		rec.EntryTime = time.UnixMilli(entryMs).UTC()
		rec.ExitReason = domain.ExitKind(reason)
		rec.HoldDuration = time.Duration(holdMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder upserts an order by ID.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, client_order_id, symbol, side, type, status, qty, limit_price,
		                     filled_qty, filled_avg_price, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     status = excluded.status,
		     filled_qty = excluded.filled_qty,
		     filled_avg_price = excluded.filled_avg_price,
		     updated_at = excluded.updated_at`,
		o.ID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Status), o.Qty, o.LimitPrice,
		o.FilledQty, o.FilledAvgPrice, o.Reason, o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

// ListOrders returns all orders matching the given status.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, selectOrder+` WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

const selectOrder = `SELECT id, client_order_id, symbol, side, type, status, qty, limit_price,
	filled_qty, filled_avg_price, reason, created_at, updated_at FROM orders`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*domain.Order, error) {
	var (
		o                    domain.Order
		side, typ, status    string
		createdMs, updatedMs int64
	)
	err := sc.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &side, &typ, &status, &o.Qty, &o.LimitPrice,
		&o.FilledQty, &o.FilledAvgPrice, &o.Reason, &createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.UnixMilli(createdMs).UTC()
	o.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &o, nil
}

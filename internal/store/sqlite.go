package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kestrel/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// migrations are applied in order; the index of the last applied statement
// is kept in schema_version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		strategy        TEXT NOT NULL,
		params          TEXT NOT NULL,
		symbols         TEXT NOT NULL,
		market          TEXT NOT NULL,
		timeframe       TEXT NOT NULL,
		start_ns        INTEGER NOT NULL,
		end_ns          INTEGER NOT NULL,
		initial_capital REAL NOT NULL,
		metrics         TEXT NOT NULL,
		created_ns      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_strategy ON runs(strategy, created_ns)`,
	`CREATE TABLE IF NOT EXISTS trades (
		run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq            INTEGER NOT NULL,
		id             TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		side           TEXT NOT NULL,
		size           REAL NOT NULL,
		entry_ns       INTEGER NOT NULL,
		entry_price    REAL NOT NULL,
		exit_ns        INTEGER NOT NULL,
		exit_price     REAL NOT NULL,
		gross_pnl      REAL NOT NULL,
		commission     REAL NOT NULL,
		slippage       REAL NOT NULL,
		net_pnl        REAL NOT NULL,
		return_pct     REAL NOT NULL,
		exit_reason    TEXT NOT NULL,
		entry_order_id TEXT NOT NULL,
		exit_order_id  TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS equity (
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		ts_ns      INTEGER NOT NULL,
		cash       REAL NOT NULL,
		equity     REAL NOT NULL,
		realized   REAL NOT NULL,
		unrealized REAL NOT NULL,
		commission REAL NOT NULL,
		slippage   REAL NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq           INTEGER NOT NULL,
		id            TEXT NOT NULL,
		signal_id     TEXT NOT NULL,
		symbol        TEXT NOT NULL,
		side          TEXT NOT NULL,
		action        TEXT NOT NULL,
		type          TEXT NOT NULL,
		qty           REAL NOT NULL,
		limit_price   REAL NOT NULL,
		stop_price    REAL NOT NULL,
		stop_loss     REAL NOT NULL,
		take_profit   REAL NOT NULL,
		status        TEXT NOT NULL,
		submitted_ns  INTEGER NOT NULL,
		fill_price    REAL NOT NULL,
		fill_ns       INTEGER NOT NULL,
		filled_qty    REAL NOT NULL,
		commission    REAL NOT NULL,
		slippage      REAL NOT NULL,
		reason        TEXT NOT NULL,
		cancel_reason TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS rejections (
		run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq       INTEGER NOT NULL,
		signal_id TEXT NOT NULL,
		symbol    TEXT NOT NULL,
		ts_ns     INTEGER NOT NULL,
		reason    TEXT NOT NULL,
		detail    TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// pending migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases and pragmas consistent.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts or replaces a run and all of its series in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return err
	}
	symbols, err := json.Marshal(run.Symbols)
	if err != nil {
		return err
	}
	snap, err := json.Marshal(run.Metrics)
	if err != nil {
		return err
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"trades", "equity", "orders", "rejections", "runs"} {
		col := "run_id"
		if table == "runs" {
			col = "id"
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+col+` = ?`, run.ID); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, strategy, params, symbols, market, timeframe, start_ns, end_ns, initial_capital, metrics, created_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, string(params), string(symbols), string(run.Market), string(run.Timeframe),
		toNanos(run.Start), toNanos(run.End), run.InitialCapital, string(snap), toNanos(created))
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	if err := insertEach(ctx, tx,
		`INSERT INTO trades VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(run.Trades), func(i int) []any {
			t := run.Trades[i]
			return []any{run.ID, i, t.ID, t.Symbol, string(t.Side), t.Size,
				toNanos(t.EntryTime), t.EntryPrice, toNanos(t.ExitTime), t.ExitPrice,
				t.GrossPnL, t.Commission, t.Slippage, t.NetPnL, t.ReturnPct,
				string(t.ExitReason), t.EntryOrderID, t.ExitOrderID}
		}); err != nil {
		return fmt.Errorf("inserting trades: %w", err)
	}

	if err := insertEach(ctx, tx,
		`INSERT INTO equity VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(run.Equity), func(i int) []any {
			p := run.Equity[i]
			return []any{run.ID, i, toNanos(p.Timestamp), p.Cash, p.Equity,
				p.RealizedPnL, p.UnrealizedPnL, p.Commission, p.Slippage}
		}); err != nil {
		return fmt.Errorf("inserting equity: %w", err)
	}

	if err := insertEach(ctx, tx,
		`INSERT INTO orders VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(run.Orders), func(i int) []any {
			o := run.Orders[i]
			return []any{run.ID, i, o.ID, o.SignalID, o.Symbol, string(o.Side), string(o.Action),
				string(o.Type), o.Qty, o.LimitPrice, o.StopPrice, o.StopLoss, o.TakeProfit,
				string(o.Status), toNanos(o.SubmittedAt), o.FillPrice, toNanos(o.FillTimestamp),
				o.FilledQty, o.Commission, o.Slippage, string(o.Reason), o.CancelReason}
		}); err != nil {
		return fmt.Errorf("inserting orders: %w", err)
	}

	if err := insertEach(ctx, tx,
		`INSERT INTO rejections VALUES (?, ?, ?, ?, ?, ?, ?)`,
		len(run.Rejections), func(i int) []any {
			r := run.Rejections[i]
			return []any{run.ID, i, r.SignalID, r.Symbol, toNanos(r.Timestamp), string(r.Reason), r.Detail}
		}); err != nil {
		return fmt.Errorf("inserting rejections: %w", err)
	}

	return tx.Commit()
}

func insertEach(ctx context.Context, tx *sql.Tx, query string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return err
		}
	}
	return nil
}

const runColumns = `id, strategy, params, symbols, market, timeframe, start_ns, end_ns, initial_capital, metrics, created_ns`

// GetRun retrieves a run with its series by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if run.Trades, err = s.LoadTrades(ctx, id); err != nil {
		return nil, err
	}
	if run.Equity, err = s.LoadEquity(ctx, id); err != nil {
		return nil, err
	}
	if run.Orders, err = s.loadOrders(ctx, id); err != nil {
		return nil, err
	}
	if run.Rejections, err = s.loadRejections(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, strategy string, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if strategy != "" {
		query += ` WHERE strategy = ?`
		args = append(args, strategy)
	}
	query += ` ORDER BY created_ns DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunRecord, error) {
	var (
		run                       RunRecord
		params, symbols, snap     string
		market, timeframe         string
		startNs, endNs, createdNs int64
	)
	if err := sc.Scan(&run.ID, &run.Strategy, &params, &symbols, &market, &timeframe,
		&startNs, &endNs, &run.InitialCapital, &snap, &createdNs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("run %s params: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(symbols), &run.Symbols); err != nil {
		return nil, fmt.Errorf("run %s symbols: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(snap), &run.Metrics); err != nil {
		return nil, fmt.Errorf("run %s metrics: %w", run.ID, err)
	}
	run.Market = domain.Market(market)
	run.Timeframe = domain.Timeframe(timeframe)
	run.Start = fromNanos(startNs)
	run.End = fromNanos(endNs)
	run.CreatedAt = fromNanos(createdNs)
	return &run, nil
}

// LoadTrades returns a run's trade log in order.
func (s *SQLiteStore) LoadTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, side, size, entry_ns, entry_price, exit_ns, exit_price, gross_pnl,
		        commission, slippage, net_pnl, return_pct, exit_reason, entry_order_id, exit_order_id
		 FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t               domain.Trade
			side, reason    string
			entryNs, exitNs int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &t.Size, &entryNs, &t.EntryPrice, &exitNs, &t.ExitPrice,
			&t.GrossPnL, &t.Commission, &t.Slippage, &t.NetPnL, &t.ReturnPct, &reason,
			&t.EntryOrderID, &t.ExitOrderID); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.EntryTime = fromNanos(entryNs)
		t.ExitTime = fromNanos(exitNs)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadEquity returns a run's equity curve in order.
func (s *SQLiteStore) LoadEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts_ns, cash, equity, realized, unrealized, commission, slippage
		 FROM equity WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EquityPoint
	for rows.Next() {
		var (
			p  domain.EquityPoint
			ns int64
		)
		if err := rows.Scan(&ns, &p.Cash, &p.Equity, &p.RealizedPnL, &p.UnrealizedPnL, &p.Commission, &p.Slippage); err != nil {
			return nil, err
		}
		p.Timestamp = fromNanos(ns)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadOrders(ctx context.Context, runID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, signal_id, symbol, side, action, type, qty, limit_price, stop_price, stop_loss,
		        take_profit, status, submitted_ns, fill_price, fill_ns, filled_qty, commission,
		        slippage, reason, cancel_reason
		 FROM orders WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var (
			o                                 domain.Order
			side, action, typ, status, reason string
			submittedNs, fillNs               int64
		)
		if err := rows.Scan(&o.ID, &o.SignalID, &o.Symbol, &side, &action, &typ, &o.Qty,
			&o.LimitPrice, &o.StopPrice, &o.StopLoss, &o.TakeProfit, &status, &submittedNs,
			&o.FillPrice, &fillNs, &o.FilledQty, &o.Commission, &o.Slippage, &reason,
			&o.CancelReason); err != nil {
			return nil, err
		}
		o.Side = domain.Side(side)
		o.Action = domain.Action(action)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderStatus(status)
		o.Reason = domain.ExitReason(reason)
		o.SubmittedAt = fromNanos(submittedNs)
		o.FillTimestamp = fromNanos(fillNs)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadRejections(ctx context.Context, runID string) ([]domain.Rejection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signal_id, symbol, ts_ns, reason, detail FROM rejections WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Rejection
	for rows.Next() {
		var (
			r      domain.Rejection
			ns     int64
			reason string
		)
		if err := rows.Scan(&r.SignalID, &r.Symbol, &ns, &reason, &r.Detail); err != nil {
			return nil, err
		}
		r.Timestamp = fromNanos(ns)
		r.Reason = domain.RejectReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

// toNanos stores the zero time as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

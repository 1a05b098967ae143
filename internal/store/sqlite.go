package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/portfolio-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite file. Decimals are
// kept as TEXT so no precision is lost; ledger timestamps are unix nanos.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS portfolios (
  id TEXT PRIMARY KEY,
  account_balance TEXT NOT NULL,
  initial_capital TEXT,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger (
  id TEXT PRIMARY KEY,
  portfolio_id TEXT NOT NULL,
  instrument_id TEXT NOT NULL,
  side TEXT NOT NULL,
  status TEXT NOT NULL,
  quantity TEXT,
  price TEXT,
  ts_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_timeline ON ledger(portfolio_id, instrument_id, ts_ns, id);

CREATE TABLE IF NOT EXISTS pending_orders (
  id TEXT PRIMARY KEY,
  portfolio_id TEXT NOT NULL,
  instrument_id TEXT NOT NULL,
  side TEXT NOT NULL,
  status TEXT NOT NULL,
  quantity TEXT NOT NULL,
  price TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_orders_portfolio ON pending_orders(portfolio_id);

CREATE TABLE IF NOT EXISTS instruments (
  id TEXT PRIMARY KEY,
  asset_class TEXT NOT NULL,
  sector TEXT NOT NULL DEFAULT '',
  industry TEXT NOT NULL DEFAULT '',
  market_cap TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS closes (
  instrument_id TEXT NOT NULL,
  day TEXT NOT NULL,
  close TEXT NOT NULL,
  PRIMARY KEY (instrument_id, day)
);

CREATE TABLE IF NOT EXISTS checkpoints (
  portfolio_id TEXT NOT NULL,
  instrument_id TEXT NOT NULL,
  id TEXT NOT NULL,
  state TEXT NOT NULL,
  cash_flow TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (portfolio_id, instrument_id)
);

CREATE TABLE IF NOT EXISTS daily_values (
  portfolio_id TEXT NOT NULL,
  day TEXT NOT NULL,
  value TEXT NOT NULL,
  PRIMARY KEY (portfolio_id, day)
);
`)
	return err
}

// --- Ledger ---

func (s *SQLiteStore) FetchExecutedTrades(ctx context.Context, q TradeQuery) ([]model.LedgerRecord, error) {
	query := `SELECT id, portfolio_id, instrument_id, side, status, quantity, price, ts_ns
		FROM ledger
		WHERE portfolio_id = ? AND upper(status) = 'EXECUTED' AND ts_ns >= ?`
	args := []any{q.PortfolioID, sinceNanos(q.Since)}
	if q.InstrumentID != "" {
		query += ` AND instrument_id = ?`
		args = append(args, q.InstrumentID)
	}
	if len(q.Exclude) > 0 {
		query += ` AND instrument_id NOT IN (?` + strings.Repeat(",?", len(q.Exclude)-1) + `)`
		for _, id := range q.Exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY ts_ns, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch trades for %s: %w", q.PortfolioID, err)
	}
	defer rows.Close()

	var records []model.LedgerRecord
	for rows.Next() {
		var r model.LedgerRecord
		var qtyS, priceS sql.NullString
		var ts int64
		if err := rows.Scan(&r.ID, &r.PortfolioID, &r.InstrumentID, &r.Side, &r.Status,
			&qtyS, &priceS, &ts); err != nil {
			return nil, err
		}
		r.Quantity = parseNullString(qtyS)
		r.Price = parseNullString(priceS)
		r.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) AppendTrade(ctx context.Context, rec *model.LedgerRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (id, portfolio_id, instrument_id, side, status, quantity, price, ts_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.PortfolioID, rec.InstrumentID, rec.Side, rec.Status,
		nullString(rec.Quantity), nullString(rec.Price), rec.Timestamp.UnixNano())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, rec.ID)
	}
	return nil
}

// --- Prices ---

func (s *SQLiteStore) LatestPrice(ctx context.Context, instrumentID string) (decimal.NullDecimal, error) {
	var price string
	err := s.db.QueryRowContext(ctx,
		`SELECT close FROM closes WHERE instrument_id = ? ORDER BY day DESC LIMIT 1`,
		instrumentID).Scan(&price)
	return sqlNullDecimal(price, err, "latest price "+instrumentID)
}

func (s *SQLiteStore) HistoricalClose(ctx context.Context, instrumentID string, day time.Time) (decimal.NullDecimal, error) {
	var price string
	err := s.db.QueryRowContext(ctx,
		`SELECT close FROM closes WHERE instrument_id = ? AND day = ?`,
		instrumentID, dayKey(day)).Scan(&price)
	return sqlNullDecimal(price, err, "close "+instrumentID)
}

func (s *SQLiteStore) HistoricalCloses(ctx context.Context, instrumentID string, from, to time.Time) ([]model.DailyValue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, close FROM closes WHERE instrument_id = ? AND day >= ? AND day <= ? ORDER BY day`,
		instrumentID, lowerDay(from), dayKey(upperBound(to)))
	if err != nil {
		return nil, fmt.Errorf("closes for %s: %w", instrumentID, err)
	}
	defer rows.Close()
	return scanSQLiteDailyValues(rows)
}

func (s *SQLiteStore) SaveClose(ctx context.Context, instrumentID string, day time.Time, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO closes (instrument_id, day, close) VALUES (?, ?, ?)
		 ON CONFLICT(instrument_id, day) DO UPDATE SET close = excluded.close`,
		instrumentID, dayKey(day), price.String())
	return err
}

// --- Portfolio metadata ---

func (s *SQLiteStore) GetPortfolio(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var balance string
	var initial sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_balance, initial_capital, created_at FROM portfolios WHERE id = ?`,
		portfolioID).Scan(&p.ID, &balance, &initial, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, portfolioID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", portfolioID, err)
	}
	if p.AccountBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("decode portfolio %s balance: %w", portfolioID, err)
	}
	p.InitialCapital = parseNullString(initial)
	p.CreatedAt = time.Unix(0, created).UTC()
	return &p, nil
}

func (s *SQLiteStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO portfolios (id, account_balance, initial_capital, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   account_balance = excluded.account_balance,
		   initial_capital = excluded.initial_capital`,
		p.ID, p.AccountBalance.String(), nullString(p.InitialCapital), createdAt.UnixNano())
	return err
}

func (s *SQLiteStore) PendingOrders(ctx context.Context, portfolioID string) ([]model.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, portfolio_id, instrument_id, side, status, quantity, price, created_at
		 FROM pending_orders
		 WHERE portfolio_id = ? AND upper(status) IN ('OPEN', 'PARTIAL')
		 ORDER BY id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("pending orders for %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var orders []model.PendingOrder
	for rows.Next() {
		var o model.PendingOrder
		var qtyS, priceS string
		var created int64
		if err := rows.Scan(&o.ID, &o.PortfolioID, &o.InstrumentID, &o.Side, &o.Status,
			&qtyS, &priceS, &created); err != nil {
			return nil, err
		}
		if o.Quantity, err = decimal.NewFromString(qtyS); err != nil {
			return nil, fmt.Errorf("decode order %s quantity: %w", o.ID, err)
		}
		if o.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("decode order %s price: %w", o.ID, err)
		}
		o.CreatedAt = time.Unix(0, created).UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) SavePendingOrder(ctx context.Context, o *model.PendingOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_orders (id, portfolio_id, instrument_id, side, status, quantity, price, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   quantity = excluded.quantity,
		   price = excluded.price`,
		o.ID, o.PortfolioID, o.InstrumentID, o.Side, o.Status,
		o.Quantity.String(), o.Price.String(), o.CreatedAt.UnixNano())
	return err
}

func (s *SQLiteStore) Instruments(ctx context.Context, ids []string) (map[string]model.Instrument, error) {
	out := make(map[string]model.Instrument, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_class, sector, industry, market_cap FROM instruments
		 WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inst model.Instrument
		if err := rows.Scan(&inst.ID, &inst.AssetClass, &inst.Sector, &inst.Industry, &inst.MarketCap); err != nil {
			return nil, err
		}
		out[inst.ID] = inst
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instruments (id, asset_class, sector, industry, market_cap) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   asset_class = excluded.asset_class,
		   sector = excluded.sector,
		   industry = excluded.industry,
		   market_cap = excluded.market_cap`,
		inst.ID, inst.AssetClass, inst.Sector, inst.Industry, inst.MarketCap)
	return err
}

// --- Checkpoints ---

func (s *SQLiteStore) LoadCheckpoints(ctx context.Context, portfolioID string) (map[string]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instrument_id, id, state, cash_flow, created_at FROM checkpoints WHERE portfolio_id = ?`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints for %s: %w", portfolioID, err)
	}
	defer rows.Close()

	out := make(map[string]model.Checkpoint)
	for rows.Next() {
		var instrumentID, state, cashS string
		var created int64
		var cp model.Checkpoint
		if err := rows.Scan(&instrumentID, &cp.ID, &state, &cashS, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", cp.ID, err)
		}
		if cp.CashFlow, err = decimal.NewFromString(cashS); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s cash flow: %w", cp.ID, err)
		}
		cp.CreatedAt = time.Unix(0, created).UTC()
		out[instrumentID] = cp
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (portfolio_id, instrument_id, id, state, cash_flow, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, instrument_id) DO UPDATE SET
		   id = excluded.id,
		   state = excluded.state,
		   cash_flow = excluded.cash_flow,
		   created_at = excluded.created_at`,
		cp.State.PortfolioID, cp.State.InstrumentID, cp.ID, string(state),
		cp.CashFlow.String(), cp.CreatedAt.UnixNano())
	return err
}

// --- Daily account values ---

func (s *SQLiteStore) DailyValues(ctx context.Context, portfolioID string, from, to time.Time) ([]model.DailyValue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, value FROM daily_values WHERE portfolio_id = ? AND day >= ? AND day <= ? ORDER BY day`,
		portfolioID, lowerDay(from), dayKey(upperBound(to)))
	if err != nil {
		return nil, fmt.Errorf("daily values for %s: %w", portfolioID, err)
	}
	defer rows.Close()
	return scanSQLiteDailyValues(rows)
}

func (s *SQLiteStore) RecordDailyValue(ctx context.Context, portfolioID string, v model.DailyValue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_values (portfolio_id, day, value) VALUES (?, ?, ?)
		 ON CONFLICT(portfolio_id, day) DO UPDATE SET value = excluded.value`,
		portfolioID, dayKey(v.Date), v.Value.String())
	return err
}

func scanSQLiteDailyValues(rows *sql.Rows) ([]model.DailyValue, error) {
	var out []model.DailyValue
	for rows.Next() {
		var day, valS string
		if err := rows.Scan(&day, &valS); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.DateOnly, day)
		if err != nil {
			return nil, fmt.Errorf("bad day %q: %w", day, err)
		}
		v, err := decimal.NewFromString(valS)
		if err != nil {
			return nil, fmt.Errorf("decode daily value %s: %w", day, err)
		}
		out = append(out, model.DailyValue{Date: t, Value: v})
	}
	return out, rows.Err()
}

func sqlNullDecimal(s string, err error, what string) (decimal.NullDecimal, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.NullDecimal{}, nil
	}
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%s: %w", what, err)
	}
	return parseNull(&s), nil
}

func parseNullString(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	return parseNull(&s.String)
}

func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

func lowerDay(from time.Time) string {
	if from.IsZero() {
		return "0000-01-01"
	}
	return dayKey(from)
}

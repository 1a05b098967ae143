package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// PostgresSchema creates every table PostgresStore uses. All monetary values
// are NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
  id               TEXT PRIMARY KEY,
  account_balance  NUMERIC NOT NULL DEFAULT 0,
  initial_capital  NUMERIC,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger (
  id             TEXT PRIMARY KEY,
  portfolio_id   TEXT NOT NULL,
  instrument_id  TEXT NOT NULL,
  side           TEXT NOT NULL,
  status         TEXT NOT NULL,
  quantity       NUMERIC,
  price          NUMERIC,
  ts             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_timeline ON ledger (portfolio_id, instrument_id, ts, id);

CREATE TABLE IF NOT EXISTS pending_orders (
  id             TEXT PRIMARY KEY,
  portfolio_id   TEXT NOT NULL,
  instrument_id  TEXT NOT NULL,
  side           TEXT NOT NULL,
  status         TEXT NOT NULL,
  quantity       NUMERIC NOT NULL,
  price          NUMERIC NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_orders_portfolio ON pending_orders (portfolio_id);

CREATE TABLE IF NOT EXISTS instruments (
  id           TEXT PRIMARY KEY,
  asset_class  TEXT NOT NULL,
  sector       TEXT NOT NULL DEFAULT '',
  industry     TEXT NOT NULL DEFAULT '',
  market_cap   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS closes (
  instrument_id  TEXT NOT NULL,
  day            DATE NOT NULL,
  close          NUMERIC NOT NULL,
  PRIMARY KEY (instrument_id, day)
);

CREATE TABLE IF NOT EXISTS checkpoints (
  portfolio_id   TEXT NOT NULL,
  instrument_id  TEXT NOT NULL,
  id             TEXT NOT NULL,
  state          JSONB NOT NULL,
  cash_flow      NUMERIC NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (portfolio_id, instrument_id)
);

CREATE TABLE IF NOT EXISTS daily_values (
  portfolio_id  TEXT NOT NULL,
  day           DATE NOT NULL,
  value         NUMERIC NOT NULL,
  PRIMARY KEY (portfolio_id, day)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

// --- Ledger ---

func (s *PostgresStore) FetchExecutedTrades(ctx context.Context, q TradeQuery) ([]model.LedgerRecord, error) {
	exclude := q.Exclude
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, instrument_id, side, status,
		        quantity::TEXT, price::TEXT, ts
		 FROM ledger
		 WHERE portfolio_id = $1
		   AND upper(status) = 'EXECUTED'
		   AND ($2 = '' OR instrument_id = $2)
		   AND ts >= $3
		   AND NOT (instrument_id = ANY($4))
		 ORDER BY ts, id`,
		q.PortfolioID, q.InstrumentID, q.Since, exclude)
	if err != nil {
		return nil, fmt.Errorf("fetch trades for %s: %w", q.PortfolioID, err)
	}
	defer rows.Close()
	return scanLedgerRecords(rows)
}

func (s *PostgresStore) AppendTrade(ctx context.Context, rec *model.LedgerRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger (id, portfolio_id, instrument_id, side, status, quantity, price, ts)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		rec.ID, rec.PortfolioID, rec.InstrumentID, rec.Side, rec.Status,
		nullString(rec.Quantity), nullString(rec.Price), rec.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, rec.ID)
	}
	return err
}

// --- Prices ---

func (s *PostgresStore) LatestPrice(ctx context.Context, instrumentID string) (decimal.NullDecimal, error) {
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT close::TEXT FROM closes WHERE instrument_id = $1 ORDER BY day DESC LIMIT 1`,
		instrumentID).Scan(&price)
	return nullDecimalRow(price, err, "latest price "+instrumentID)
}

func (s *PostgresStore) HistoricalClose(ctx context.Context, instrumentID string, day time.Time) (decimal.NullDecimal, error) {
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT close::TEXT FROM closes WHERE instrument_id = $1 AND day = $2::DATE`,
		instrumentID, dayKey(day)).Scan(&price)
	return nullDecimalRow(price, err, "close "+instrumentID)
}

func (s *PostgresStore) HistoricalCloses(ctx context.Context, instrumentID string, from, to time.Time) ([]model.DailyValue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT day, close::TEXT FROM closes
		 WHERE instrument_id = $1 AND day >= $2::DATE AND day <= $3::DATE
		 ORDER BY day`,
		instrumentID, dayKey(from), dayKey(upperBound(to)))
	if err != nil {
		return nil, fmt.Errorf("closes for %s: %w", instrumentID, err)
	}
	defer rows.Close()
	return scanDailyValues(rows)
}

func (s *PostgresStore) SaveClose(ctx context.Context, instrumentID string, day time.Time, price decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO closes (instrument_id, day, close) VALUES ($1, $2::DATE, $3::NUMERIC)
		 ON CONFLICT (instrument_id, day) DO UPDATE SET close = EXCLUDED.close`,
		instrumentID, dayKey(day), price.String())
	return err
}

// --- Portfolio metadata ---

func (s *PostgresStore) GetPortfolio(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var balance string
	var initial *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_balance::TEXT, initial_capital::TEXT, created_at
		 FROM portfolios WHERE id = $1`, portfolioID).
		Scan(&p.ID, &balance, &initial, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, portfolioID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", portfolioID, err)
	}
	if p.AccountBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("decode portfolio %s balance: %w", portfolioID, err)
	}
	p.InitialCapital = parseNull(initial)
	return &p, nil
}

func (s *PostgresStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, account_balance, initial_capital, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   account_balance = EXCLUDED.account_balance,
		   initial_capital = EXCLUDED.initial_capital`,
		p.ID, p.AccountBalance.String(), nullString(p.InitialCapital), createdAt)
	return err
}

func (s *PostgresStore) PendingOrders(ctx context.Context, portfolioID string) ([]model.PendingOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, instrument_id, side, status,
		        quantity::TEXT, price::TEXT, created_at
		 FROM pending_orders
		 WHERE portfolio_id = $1 AND upper(status) IN ('OPEN', 'PARTIAL')
		 ORDER BY id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("pending orders for %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var orders []model.PendingOrder
	for rows.Next() {
		var o model.PendingOrder
		var qtyS, priceS string
		if err := rows.Scan(&o.ID, &o.PortfolioID, &o.InstrumentID, &o.Side, &o.Status,
			&qtyS, &priceS, &o.CreatedAt); err != nil {
			return nil, err
		}
		if o.Quantity, err = decimal.NewFromString(qtyS); err != nil {
			return nil, fmt.Errorf("decode order %s quantity: %w", o.ID, err)
		}
		if o.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("decode order %s price: %w", o.ID, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) SavePendingOrder(ctx context.Context, o *model.PendingOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_orders (id, portfolio_id, instrument_id, side, status, quantity, price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   quantity = EXCLUDED.quantity,
		   price = EXCLUDED.price`,
		o.ID, o.PortfolioID, o.InstrumentID, o.Side, o.Status,
		o.Quantity.String(), o.Price.String(), o.CreatedAt)
	return err
}

func (s *PostgresStore) Instruments(ctx context.Context, ids []string) (map[string]model.Instrument, error) {
	out := make(map[string]model.Instrument, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_class, sector, industry, market_cap
		 FROM instruments WHERE id = ANY($1)`, ids)
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

func (s *PostgresStore) SaveInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, asset_class, sector, industry, market_cap)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   asset_class = EXCLUDED.asset_class,
		   sector = EXCLUDED.sector,
		   industry = EXCLUDED.industry,
		   market_cap = EXCLUDED.market_cap`,
		inst.ID, inst.AssetClass, inst.Sector, inst.Industry, inst.MarketCap)
	return err
}

// --- Checkpoints ---

func (s *PostgresStore) LoadCheckpoints(ctx context.Context, portfolioID string) (map[string]model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument_id, id, state, cash_flow::TEXT, created_at
		 FROM checkpoints WHERE portfolio_id = $1`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints for %s: %w", portfolioID, err)
	}
	defer rows.Close()

	out := make(map[string]model.Checkpoint)
	for rows.Next() {
		var instrumentID, cashS string
		var state []byte
		var cp model.Checkpoint
		if err := rows.Scan(&instrumentID, &cp.ID, &state, &cashS, &cp.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(state, &cp.State); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", cp.ID, err)
		}
		if cp.CashFlow, err = decimal.NewFromString(cashS); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s cash flow: %w", cp.ID, err)
		}
		out[instrumentID] = cp
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (portfolio_id, instrument_id, id, state, cash_flow, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (portfolio_id, instrument_id) DO UPDATE SET
		   id = EXCLUDED.id,
		   state = EXCLUDED.state,
		   cash_flow = EXCLUDED.cash_flow,
		   created_at = EXCLUDED.created_at`,
		cp.State.PortfolioID, cp.State.InstrumentID, cp.ID, state, cp.CashFlow.String(), cp.CreatedAt)
	return err
}

// --- Daily account values ---

func (s *PostgresStore) DailyValues(ctx context.Context, portfolioID string, from, to time.Time) ([]model.DailyValue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT day, value::TEXT FROM daily_values
		 WHERE portfolio_id = $1 AND day >= $2::DATE AND day <= $3::DATE
		 ORDER BY day`,
		portfolioID, dayKey(from), dayKey(upperBound(to)))
	if err != nil {
		return nil, fmt.Errorf("daily values for %s: %w", portfolioID, err)
	}
	defer rows.Close()
	return scanDailyValues(rows)
}

func (s *PostgresStore) RecordDailyValue(ctx context.Context, portfolioID string, v model.DailyValue) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_values (portfolio_id, day, value) VALUES ($1, $2::DATE, $3::NUMERIC)
		 ON CONFLICT (portfolio_id, day) DO UPDATE SET value = EXCLUDED.value`,
		portfolioID, dayKey(v.Date), v.Value.String())
	return err
}

// --- Scan helpers ---

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerRecords(rows pgxRows) ([]model.LedgerRecord, error) {
	var records []model.LedgerRecord
	for rows.Next() {
		var r model.LedgerRecord
		var qtyS, priceS *string
		if err := rows.Scan(&r.ID, &r.PortfolioID, &r.InstrumentID, &r.Side, &r.Status,
			&qtyS, &priceS, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Quantity = parseNull(qtyS)
		r.Price = parseNull(priceS)
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanDailyValues(rows pgxRows) ([]model.DailyValue, error) {
	var out []model.DailyValue
	for rows.Next() {
		var day time.Time
		var valS string
		if err := rows.Scan(&day, &valS); err != nil {
			return nil, err
		}
		v, err := decimal.NewFromString(valS)
		if err != nil {
			return nil, fmt.Errorf("decode daily value %s: %w", day.Format(time.DateOnly), err)
		}
		out = append(out, model.DailyValue{Date: dayOf(day), Value: v})
	}
	return out, rows.Err()
}

func nullDecimalRow(s string, err error, what string) (decimal.NullDecimal, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.NullDecimal{}, nil
	}
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%s: %w", what, err)
	}
	return parseNull(&s), nil
}

func parseNull(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// upperBound maps a zero "to" to the far future.
func upperBound(to time.Time) time.Time {
	if to.IsZero() {
		return time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	return to
}

// Package model defines the core domain types shared across the portfolio engine.
// Monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an executed fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction is the sign of an open position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Ledger statuses. Only executed records take part in reconstruction;
// open and partial orders reserve cash.
const (
	StatusExecuted  = "EXECUTED"
	StatusOpen      = "OPEN"
	StatusPartial   = "PARTIAL"
	StatusCancelled = "CANCELLED"
)

// LedgerRecord is a raw row from the trade/order ledger, before validation.
// Quantity and Price are nullable because upstream rows can be incomplete.
type LedgerRecord struct {
	ID           string              `json:"id" db:"id"`
	PortfolioID  string              `json:"portfolio_id" db:"portfolio_id"`
	InstrumentID string              `json:"instrument_id" db:"instrument_id"`
	Side         string              `json:"side" db:"side"`
	Status       string              `json:"status" db:"status"`
	Quantity     decimal.NullDecimal `json:"quantity" db:"quantity"`
	Price        decimal.NullDecimal `json:"price" db:"price"`
	Timestamp    time.Time           `json:"timestamp" db:"timestamp"`
}

// TradeEvent is one executed fill. Immutable once created.
// Quantity is always a positive magnitude; Side carries the sign.
type TradeEvent struct {
	ID           string          `json:"id" db:"id"`
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// SignedQuantity returns +Quantity for buys and -Quantity for sells.
func (e TradeEvent) SignedQuantity() decimal.Decimal {
	if e.Side == SideSell {
		return e.Quantity.Neg()
	}
	return e.Quantity
}

// PositionKey identifies one reconstruction timeline.
type PositionKey struct {
	PortfolioID  string `json:"portfolio_id"`
	InstrumentID string `json:"instrument_id"`
}

// PositionState is the running fold state for one (portfolio, instrument)
// pair, as of the last applied event.
type PositionState struct {
	PortfolioID           string              `json:"portfolio_id"`
	InstrumentID          string              `json:"instrument_id"`
	SignedQuantity        decimal.Decimal     `json:"signed_quantity"`
	Direction             Direction           `json:"direction"`
	AvgEntryPrice         decimal.NullDecimal `json:"avg_entry_price"` // null while flat
	SegmentID             int64               `json:"segment_id"`
	CostBasis             decimal.Decimal     `json:"cost_basis"`
	CumulativeRealizedPnL decimal.Decimal     `json:"cumulative_realized_pnl"`
	SegmentRealizedPnL    decimal.Decimal     `json:"segment_realized_pnl"`
	SegmentOpenedAt       time.Time           `json:"segment_opened_at"`
	LastEventID           string              `json:"last_event_id"`
	LastEventAt           time.Time           `json:"last_event_at"`
	EventCount            int64               `json:"event_count"`
}

// Key returns the timeline this state belongs to.
func (s PositionState) Key() PositionKey {
	return PositionKey{PortfolioID: s.PortfolioID, InstrumentID: s.InstrumentID}
}

// IsOpen reports whether the position holds a nonzero quantity.
func (s PositionState) IsOpen() bool {
	return !s.SignedQuantity.IsZero()
}

// TradeOutcome is what a single event did to its position.
type TradeOutcome struct {
	ClosedQuantity   decimal.Decimal     `json:"closed_quantity"`
	OpenedQuantity   decimal.Decimal     `json:"opened_quantity"`
	RealizedPnL      decimal.NullDecimal `json:"realized_pnl"` // null when nothing closed
	Flip             bool                `json:"flip"`
	Clamped          bool                `json:"clamped"`
	CashDelta        decimal.Decimal     `json:"cash_delta"`
	ClosedSegmentID  int64               `json:"closed_segment_id,omitempty"`
	ClosedSegmentPnL decimal.NullDecimal `json:"closed_segment_pnl"` // set when a segment ends
	ClosedSegmentAt  time.Time           `json:"closed_segment_opened_at,omitempty"`
}

// PositionRow is one line of the per-event position/P&L table.
type PositionRow struct {
	Event   TradeEvent    `json:"event"`
	State   PositionState `json:"state"`
	Outcome TradeOutcome  `json:"outcome"`
	Warning string        `json:"warning,omitempty"`
}

// Checkpoint is a persisted PositionState used to resume reconstruction
// without re-scanning the ledger from genesis.
type Checkpoint struct {
	ID        string          `json:"id"`
	State     PositionState   `json:"state"`
	CashFlow  decimal.Decimal `json:"cash_flow"` // Σ CashDelta up to State.LastEventID
	CreatedAt time.Time       `json:"created_at"`
}

// Portfolio carries the account-level figures reconstruction cannot derive.
// InitialCapital is null when it was never configured.
type Portfolio struct {
	ID             string              `json:"id" db:"id"`
	AccountBalance decimal.Decimal     `json:"account_balance" db:"account_balance"`
	InitialCapital decimal.NullDecimal `json:"initial_capital" db:"initial_capital"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
}

// PendingOrder is an open or partially filled order reserving cash.
type PendingOrder struct {
	ID           string          `json:"id" db:"id"`
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Status       string          `json:"status" db:"status"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Instrument carries the classification used for diversification.
type Instrument struct {
	ID         string `json:"id" db:"id"`
	AssetClass string `json:"asset_class" db:"asset_class"`
	Sector     string `json:"sector,omitempty" db:"sector"`
	Industry   string `json:"industry,omitempty" db:"industry"`
	MarketCap  string `json:"market_cap,omitempty" db:"market_cap"` // "High", "Mid", "Low"
}

// Holding is the mark-to-market view of one open position.
type Holding struct {
	InstrumentID  string              `json:"instrument_id"`
	AssetClass    string              `json:"asset_class"`
	Direction     Direction           `json:"direction"`
	Quantity      decimal.Decimal     `json:"quantity"` // signed
	AvgEntryPrice decimal.NullDecimal `json:"avg_entry_price"`
	Price         decimal.Decimal     `json:"price"`
	Priced        bool                `json:"priced"` // false when marked at entry price
	MarketValue   decimal.Decimal     `json:"market_value"`
	PositionValue decimal.Decimal     `json:"position_value"` // cost basis + unrealized
	CostBasis     decimal.Decimal     `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	WeightPct     decimal.Decimal     `json:"weight_pct"`
}

// PortfolioSnapshot is the point-in-time rollup for one portfolio.
// Values are rounded to 2 decimal places.
type PortfolioSnapshot struct {
	PortfolioID           string                     `json:"portfolio_id"`
	AsOf                  time.Time                  `json:"as_of"`
	AccountBalance        decimal.Decimal            `json:"account_balance"`
	HoldingMarketValue    decimal.Decimal            `json:"holding_market_value"`
	UnrealizedPnL         decimal.Decimal            `json:"unrealized_pnl"`
	RealizedPnL           decimal.Decimal            `json:"realized_pnl"`
	Equity                decimal.Decimal            `json:"equity"`
	PendingOrderValue     decimal.Decimal            `json:"pending_order_value"`
	InitialCapital        decimal.NullDecimal        `json:"initial_capital"`
	TotalGainPct          decimal.NullDecimal        `json:"total_gain_pct"`
	ReconciledCash        decimal.NullDecimal        `json:"reconciled_cash"`
	CashDiscrepancy       decimal.NullDecimal        `json:"cash_discrepancy"`
	AccountValue          decimal.NullDecimal        `json:"account_value"` // reconciled cash + Σ position value
	Diversification       map[string]decimal.Decimal `json:"diversification"`
	SectorDistribution    map[string]decimal.Decimal `json:"sector_distribution"`
	IndustryDistribution  map[string]decimal.Decimal `json:"industry_distribution"`
	MarketCapDistribution map[string]decimal.Decimal `json:"market_cap_distribution"`
	Holdings              []Holding                  `json:"holdings"`
	UnpricedInstruments   []string                   `json:"unpriced_instruments,omitempty"`
}

// DailyValue is one point of a daily series (portfolio value or benchmark close).
type DailyValue struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// ReturnPoint is one point of a cumulative return series.
type ReturnPoint struct {
	Date                time.Time           `json:"date"`
	Value               decimal.Decimal     `json:"value"`
	DailyReturnPct      decimal.NullDecimal `json:"daily_return_pct"` // null on the first point
	CumulativeReturnPct decimal.Decimal     `json:"cumulative_return_pct"`
}

// ComparisonRow aligns portfolio and benchmark cumulative returns on one date.
type ComparisonRow struct {
	Date                         time.Time       `json:"date"`
	PortfolioValue               decimal.Decimal `json:"portfolio_value"`
	BenchmarkClose               decimal.Decimal `json:"benchmark_close"`
	PortfolioCumulativeReturnPct decimal.Decimal `json:"portfolio_cumulative_return_pct"`
	BenchmarkCumulativeReturnPct decimal.Decimal `json:"benchmark_cumulative_return_pct"`
}

// TradeStats summarises closed trades for one portfolio.
type TradeStats struct {
	PortfolioID           string              `json:"portfolio_id"`
	ExecutedTrades        int                 `json:"executed_trades"`
	ClosingTrades         int                 `json:"closing_trades"`
	WinningTrades         int                 `json:"winning_trades"`
	LosingTrades          int                 `json:"losing_trades"`
	WinRate               decimal.NullDecimal `json:"win_rate"`
	WinLossRatio          decimal.NullDecimal `json:"win_loss_ratio"`
	AverageGain           decimal.NullDecimal `json:"average_gain"`
	AverageLoss           decimal.NullDecimal `json:"average_loss"`
	RewardRiskRatio       decimal.NullDecimal `json:"reward_risk_ratio"`
	Expectancy            decimal.NullDecimal `json:"expectancy"`
	AverageHoldingDays    decimal.NullDecimal `json:"average_holding_days"`
	WeightedHoldingDays   decimal.NullDecimal `json:"weighted_holding_days"`
	AverageTradesPerMonth decimal.NullDecimal `json:"average_trades_per_month"`
	ActiveDays            int                 `json:"active_days"`
	MostProfitable        string              `json:"most_profitable,omitempty"`
	LeastProfitable       string              `json:"least_profitable,omitempty"`
	MaxDrawdownPct        decimal.NullDecimal `json:"max_drawdown_pct"`
	AverageWinningPnLPct  decimal.NullDecimal `json:"average_winning_pnl_pct"`
	AverageLosingPnLPct   decimal.NullDecimal `json:"average_losing_pnl_pct"`
	AveragePnLPct         decimal.NullDecimal `json:"average_pnl_pct"`
	SharpeRatio           decimal.NullDecimal `json:"sharpe_ratio"`
	SortinoRatio          decimal.NullDecimal `json:"sortino_ratio"`
	CalmarRatio           decimal.NullDecimal `json:"calmar_ratio"`
	MostTraded            string              `json:"most_traded,omitempty"`
	LeastTraded           string              `json:"least_traded,omitempty"`
	MostBought            string              `json:"most_bought,omitempty"`
	BiggestInvestment     string              `json:"biggest_investment,omitempty"`
	HighestTradedVolume   decimal.NullDecimal `json:"highest_traded_volume"`
	LowestTradedVolume    decimal.NullDecimal `json:"lowest_traded_volume"`
	AssetCount            string              `json:"asset_count,omitempty"`
	InvestmentCount       int                 `json:"investment_count"`
	YTDRealizedPnL        decimal.Decimal     `json:"ytd_realized_pnl"`
}

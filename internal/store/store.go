// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded,
// offline), Redis (read-through cache over either) and in-memory (testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrPortfolioNotFound is returned when a portfolio has no metadata row.
	ErrPortfolioNotFound = errors.New("store: portfolio not found")

	// ErrDuplicateTrade is returned when appending a trade whose id exists.
	ErrDuplicateTrade = errors.New("store: trade id already exists")
)

// TradeQuery selects executed ledger records.
type TradeQuery struct {
	PortfolioID string
	// InstrumentID restricts to one instrument when set.
	InstrumentID string
	// Since is an inclusive lower bound on the timestamp; zero means genesis.
	Since time.Time
	// Exclude lists instruments to leave out.
	Exclude []string
}

// Store is the persistence interface.
type Store interface {
	// --- Ledger ---

	// FetchExecutedTrades returns EXECUTED records ordered by (timestamp, id).
	// Records are returned unvalidated; the normalizer filters them.
	FetchExecutedTrades(ctx context.Context, q TradeQuery) ([]model.LedgerRecord, error)

	// AppendTrade appends an immutable ledger record.
	AppendTrade(ctx context.Context, rec *model.LedgerRecord) error

	// --- Prices ---

	// LatestPrice returns the most recent close, or null when none exists.
	LatestPrice(ctx context.Context, instrumentID string) (decimal.NullDecimal, error)

	// HistoricalClose returns the close on a calendar day, or null.
	HistoricalClose(ctx context.Context, instrumentID string, day time.Time) (decimal.NullDecimal, error)

	// HistoricalCloses returns closes in [from, to] ordered by day.
	HistoricalCloses(ctx context.Context, instrumentID string, from, to time.Time) ([]model.DailyValue, error)

	// SaveClose upserts the close of an instrument on a day.
	SaveClose(ctx context.Context, instrumentID string, day time.Time, price decimal.Decimal) error

	// --- Portfolio metadata ---

	// GetPortfolio returns the account balance and initial capital.
	GetPortfolio(ctx context.Context, portfolioID string) (*model.Portfolio, error)

	// SavePortfolio upserts portfolio metadata.
	SavePortfolio(ctx context.Context, p *model.Portfolio) error

	// PendingOrders returns the portfolio's OPEN and PARTIAL orders.
	PendingOrders(ctx context.Context, portfolioID string) ([]model.PendingOrder, error)

	// SavePendingOrder upserts an order.
	SavePendingOrder(ctx context.Context, o *model.PendingOrder) error

	// Instruments returns stored classification metadata for the given ids.
	// Unknown ids are absent from the result.
	Instruments(ctx context.Context, ids []string) (map[string]model.Instrument, error)

	// SaveInstrument upserts classification metadata.
	SaveInstrument(ctx context.Context, inst *model.Instrument) error

	// --- Checkpoints ---

	// LoadCheckpoints returns the latest checkpoint per instrument.
	LoadCheckpoints(ctx context.Context, portfolioID string) (map[string]model.Checkpoint, error)

	// SaveCheckpoint replaces the checkpoint for the state's instrument.
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error

	// --- Daily account values ---

	// DailyValues returns recorded account values in [from, to] ordered by day.
	DailyValues(ctx context.Context, portfolioID string, from, to time.Time) ([]model.DailyValue, error)

	// RecordDailyValue upserts the account value for a day.
	RecordDailyValue(ctx context.Context, portfolioID string, v model.DailyValue) error
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func isPending(status string) bool {
	switch status {
	case model.StatusOpen, model.StatusPartial:
		return true
	}
	return false
}

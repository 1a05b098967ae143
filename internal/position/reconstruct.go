// Package position implements the weighted-average cost basis and P&L
// reconstruction fold.
//
// Each (portfolio, instrument) pair is an independent timeline. Events are
// applied strictly left to right with no lookahead; every event moves the
// position through one of three transitions:
//   - Open/increase: the position is flat or the event has the same sign.
//     The average entry price becomes the quantity-weighted mean.
//   - Reduce: opposite sign, |delta| <= |qty|. The average is unchanged and
//     realized P&L is booked on the closed quantity.
//   - Flip: opposite sign, |delta| > |qty|. The whole prior position closes
//     and the remainder opens a new segment at the execution price.
//
// A segment is one continuous nonzero-quantity run in one direction. The
// event that closes to flat keeps the closing segment's id; the next open
// starts a new one.
//
// No rounding happens inside the fold. Folding a suffix from a Checkpoint
// yields exactly the same decimals as folding from genesis.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var two = decimal.NewFromInt(2)

// Options controls fold behaviour.
type Options struct {
	// AllowShort treats any negative quantity as a valid short. When false,
	// a sell larger than the held long quantity is clamped to that quantity.
	AllowShort bool
}

// DefaultOptions returns the default fold options.
func DefaultOptions() Options {
	return Options{AllowShort: true}
}

// ReconciliationWarning flags a sell that exceeded the held quantity while
// short selling is disabled. The excess is ignored.
type ReconciliationWarning struct {
	EventID      string
	PortfolioID  string
	InstrumentID string
	Requested    decimal.Decimal
	Held         decimal.Decimal
}

func (w *ReconciliationWarning) Error() string {
	return fmt.Sprintf("position: sell %s of %s/%s exceeds held %s (event %s), clamped",
		w.Requested, w.PortfolioID, w.InstrumentID, w.Held, w.EventID)
}

// Reconstructor folds one timeline. It is not safe for concurrent use; run
// one per (portfolio, instrument).
type Reconstructor struct {
	opts     Options
	state    model.PositionState
	cashFlow decimal.Decimal
	warnings []*ReconciliationWarning
}

// New starts a reconstruction from a flat genesis state.
func New(key model.PositionKey, opts Options) *Reconstructor {
	return &Reconstructor{
		opts: opts,
		state: model.PositionState{
			PortfolioID:  key.PortfolioID,
			InstrumentID: key.InstrumentID,
			Direction:    model.Flat,
		},
	}
}

// Resume continues a reconstruction from a persisted checkpoint.
func Resume(cp model.Checkpoint, opts Options) *Reconstructor {
	return &Reconstructor{
		opts:     opts,
		state:    cp.State,
		cashFlow: cp.CashFlow,
	}
}

// State returns the state after the last applied event.
func (r *Reconstructor) State() model.PositionState { return r.state }

// CashFlow returns Σ CashDelta over every event folded so far, including
// those behind the seed checkpoint.
func (r *Reconstructor) CashFlow() decimal.Decimal { return r.cashFlow }

// Warnings returns the reconciliation warnings raised so far.
func (r *Reconstructor) Warnings() []*ReconciliationWarning { return r.warnings }

// Checkpoint captures the current state for later resumption.
func (r *Reconstructor) Checkpoint(id string, at time.Time) model.Checkpoint {
	return model.Checkpoint{
		ID:        id,
		State:     r.state,
		CashFlow:  r.cashFlow,
		CreatedAt: at,
	}
}

// Apply folds one event and returns the resulting row. Events must arrive in
// (timestamp, id) order and belong to this reconstructor's timeline.
func (r *Reconstructor) Apply(ev model.TradeEvent) model.PositionRow {
	prev := r.state
	next := prev
	row := model.PositionRow{Event: ev}

	prevQty := prev.SignedQuantity
	prevAbs := prevQty.Abs()
	prevAvg := prev.AvgEntryPrice.Decimal
	delta := ev.SignedQuantity()
	price := ev.Price

	if !r.opts.AllowShort && ev.Side == model.SideSell {
		held := decimal.Max(prevQty, decimal.Zero)
		if ev.Quantity.GreaterThan(held) {
			w := &ReconciliationWarning{
				EventID:      ev.ID,
				PortfolioID:  ev.PortfolioID,
				InstrumentID: ev.InstrumentID,
				Requested:    ev.Quantity,
				Held:         held,
			}
			r.warnings = append(r.warnings, w)
			row.Warning = w.Error()
			row.Outcome.Clamped = true
			delta = held.Neg()
		}
	}

	absDelta := delta.Abs()
	newQty := prevQty.Add(delta)

	var closed, opened decimal.Decimal
	flip := false
	switch {
	case absDelta.IsZero():
		// Fully clamped sell against a flat or short book.
	case prevQty.IsZero():
		opened = absDelta
		next.SegmentID = prev.SegmentID + 1
		next.SegmentRealizedPnL = decimal.Zero
		next.SegmentOpenedAt = ev.Timestamp
		next.AvgEntryPrice = decimal.NewNullDecimal(price)
	case prevQty.Sign() == delta.Sign():
		opened = absDelta
		cost := prevAvg.Mul(prevAbs).Add(price.Mul(absDelta))
		next.AvgEntryPrice = decimal.NewNullDecimal(cost.Div(newQty.Abs()))
	case absDelta.LessThanOrEqual(prevAbs):
		closed = absDelta
	default:
		closed = prevAbs
		opened = absDelta.Sub(prevAbs)
		flip = true
	}

	cash := price.Mul(opened).Neg()
	if closed.IsPositive() {
		var realized decimal.Decimal
		if prevQty.IsPositive() {
			realized = price.Sub(prevAvg).Mul(closed)
			cash = cash.Add(price.Mul(closed))
		} else {
			realized = prevAvg.Sub(price).Mul(closed)
			cash = cash.Add(two.Mul(prevAvg).Sub(price).Mul(closed))
		}
		row.Outcome.RealizedPnL = decimal.NewNullDecimal(realized)
		next.CumulativeRealizedPnL = prev.CumulativeRealizedPnL.Add(realized)
		next.SegmentRealizedPnL = prev.SegmentRealizedPnL.Add(realized)

		if flip || newQty.IsZero() {
			row.Outcome.ClosedSegmentID = prev.SegmentID
			row.Outcome.ClosedSegmentPnL = decimal.NewNullDecimal(next.SegmentRealizedPnL)
			row.Outcome.ClosedSegmentAt = prev.SegmentOpenedAt
		}
	}

	if flip {
		next.SegmentID = prev.SegmentID + 1
		next.SegmentRealizedPnL = decimal.Zero
		next.SegmentOpenedAt = ev.Timestamp
		next.AvgEntryPrice = decimal.NewNullDecimal(price)
	}
	if newQty.IsZero() {
		next.AvgEntryPrice = decimal.NullDecimal{}
	}

	next.SignedQuantity = newQty
	next.Direction = directionOf(newQty)
	next.CostBasis = CostBasis(next)
	next.LastEventID = ev.ID
	next.LastEventAt = ev.Timestamp
	next.EventCount = prev.EventCount + 1

	row.Outcome.ClosedQuantity = closed
	row.Outcome.OpenedQuantity = opened
	row.Outcome.Flip = flip
	row.Outcome.CashDelta = cash
	row.State = next

	r.state = next
	r.cashFlow = r.cashFlow.Add(cash)
	return row
}

// Reconstruct folds an ordered event sequence. A nil seed starts from
// genesis; otherwise the events must all follow the seed's last event.
func Reconstruct(key model.PositionKey, events []model.TradeEvent, seed *model.Checkpoint, opts Options) ([]model.PositionRow, *Reconstructor) {
	var r *Reconstructor
	if seed != nil {
		r = Resume(*seed, opts)
	} else {
		r = New(key, opts)
	}
	rows := make([]model.PositionRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, r.Apply(ev))
	}
	return rows, r
}

func directionOf(qty decimal.Decimal) model.Direction {
	switch qty.Sign() {
	case 1:
		return model.Long
	case -1:
		return model.Short
	}
	return model.Flat
}

// CostBasis returns avg × |qty|, or 0 when flat.
func CostBasis(s model.PositionState) decimal.Decimal {
	if !s.AvgEntryPrice.Valid {
		return decimal.Zero
	}
	return s.AvgEntryPrice.Decimal.Mul(s.SignedQuantity.Abs())
}

// Unrealized marks an open position against price.
// Long: (price − avg) × |qty|. Short: (avg − price) × |qty|. Flat: 0.
func Unrealized(s model.PositionState, price decimal.Decimal) decimal.Decimal {
	if !s.AvgEntryPrice.Valid || s.SignedQuantity.IsZero() {
		return decimal.Zero
	}
	abs := s.SignedQuantity.Abs()
	if s.SignedQuantity.IsPositive() {
		return price.Sub(s.AvgEntryPrice.Decimal).Mul(abs)
	}
	return s.AvgEntryPrice.Decimal.Sub(price).Mul(abs)
}

// PositionValue is the cash the position would return if closed at price:
// cost basis plus unrealized P&L.
func PositionValue(s model.PositionState, price decimal.Decimal) decimal.Decimal {
	return CostBasis(s).Add(Unrealized(s, price))
}

// MarketValue is |qty| × price.
func MarketValue(s model.PositionState, price decimal.Decimal) decimal.Decimal {
	return s.SignedQuantity.Abs().Mul(price)
}

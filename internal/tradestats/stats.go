// Package tradestats derives trade-level performance statistics from the
// per-event position rows.
//
// A closing event (one with non-null realized P&L) counts as one trade: a
// win when realized > 0, otherwise a loss. Ratios whose denominator is zero
// are reported as null rather than 0.
package tradestats

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
)

// Scale is the number of decimal places for reported figures.
const Scale int32 = 2

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	dayLen  = 24 * time.Hour
)

// Input holds the rows of every instrument of one portfolio, in any order,
// and optionally its daily account value series for drawdown. The risk
// ratios need InitialCapital; AssetClasses maps instrument ids to their
// asset class for the open-position count.
type Input struct {
	PortfolioID    string
	Rows           []model.PositionRow
	Values         []model.DailyValue
	InitialCapital decimal.NullDecimal
	AssetClasses   map[string]string
}

// Compute derives the full statistics record.
func Compute(in Input) model.TradeStats {
	rows := append([]model.PositionRow(nil), in.Rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Event, rows[j].Event
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		return ledger.Less(a, b)
	})

	st := model.TradeStats{
		PortfolioID:    in.PortfolioID,
		ExecutedTrades: len(rows),
	}

	var gains, losses []decimal.Decimal
	for _, r := range rows {
		if !r.Outcome.RealizedPnL.Valid {
			continue
		}
		pnl := r.Outcome.RealizedPnL.Decimal
		if pnl.IsPositive() {
			gains = append(gains, pnl)
		} else {
			losses = append(losses, pnl)
		}
	}
	st.WinningTrades = len(gains)
	st.LosingTrades = len(losses)
	st.ClosingTrades = st.WinningTrades + st.LosingTrades

	st.WinRate = WinRate(st.WinningTrades, st.ClosingTrades)
	st.WinLossRatio = WinLossRatio(st.WinningTrades, st.LosingTrades)

	avgGain, avgLoss := mean(gains), mean(losses)
	st.AverageGain = round(avgGain)
	st.AverageLoss = round(avgLoss)
	rr := RewardRisk(avgGain, avgLoss)
	st.RewardRiskRatio = round(rr)
	st.Expectancy = round(Expectancy(rr, st.WinningTrades, st.ClosingTrades))

	st.AverageHoldingDays = round(AverageHoldingDays(rows))
	st.WeightedHoldingDays = round(WeightedHoldingDays(rows))
	st.ActiveDays = ActiveDays(rows)
	st.AverageTradesPerMonth = round(TradesPerActiveDay(len(rows), st.ActiveDays))
	st.MostProfitable, st.LeastProfitable = MostLeastProfitable(rows)
	st.MaxDrawdownPct = round(MaxDrawdownPct(in.Values))

	win, loss, all := ReturnPcts(rows)
	st.AverageWinningPnLPct, st.AverageLosingPnLPct, st.AveragePnLPct = round(win), round(loss), round(all)
	st.SharpeRatio = round(SharpeRatio(rows, in.InitialCapital))
	st.SortinoRatio = round(SortinoRatio(rows, in.InitialCapital))
	st.CalmarRatio = round(CalmarRatio(in.Values, in.InitialCapital))

	st.MostTraded, st.LeastTraded = MostLeastTraded(rows)
	st.MostBought = MostBought(rows)
	st.BiggestInvestment = BiggestInvestment(rows)
	hi, lo := TradedVolumeRange(rows)
	st.HighestTradedVolume, st.LowestTradedVolume = round(hi), round(lo)
	st.AssetCount = AssetCount(rows, in.AssetClasses)
	st.InvestmentCount = InvestmentCount(rows)
	return st
}

func round(v decimal.NullDecimal) decimal.NullDecimal {
	if !v.Valid {
		return v
	}
	return decimal.NewNullDecimal(v.Decimal.Round(Scale))
}

func mean(vs []decimal.Decimal) decimal.NullDecimal {
	if len(vs) == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.Sum(vs[0], vs[1:]...).Div(decimal.NewFromInt(int64(len(vs)))))
}

// WinRate is wins / total × 100, null when there are no closing trades.
func WinRate(wins, total int) decimal.NullDecimal {
	if total == 0 {
		return decimal.NullDecimal{}
	}
	r := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total))).Mul(hundred)
	return decimal.NewNullDecimal(r.Round(Scale))
}

// WinLossRatio is wins / losses, null when there are no losses.
func WinLossRatio(wins, losses int) decimal.NullDecimal {
	if losses == 0 {
		return decimal.NullDecimal{}
	}
	r := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(losses)))
	return decimal.NewNullDecimal(r.Round(Scale))
}

// RewardRisk is avgGain / |avgLoss|. Null when either side is missing, when
// the average gain is not positive, or when the average loss is zero.
func RewardRisk(avgGain, avgLoss decimal.NullDecimal) decimal.NullDecimal {
	if !avgGain.Valid || !avgLoss.Valid || !avgGain.Decimal.IsPositive() || avgLoss.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(avgGain.Decimal.Div(avgLoss.Decimal.Abs()))
}

// Expectancy is rr × winRatio − lossRatio with ratios as fractions.
func Expectancy(rr decimal.NullDecimal, wins, total int) decimal.NullDecimal {
	if !rr.Valid || total == 0 {
		return decimal.NullDecimal{}
	}
	winRatio := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total)))
	return decimal.NewNullDecimal(rr.Decimal.Mul(winRatio).Sub(one.Sub(winRatio)))
}

func wholeDays(from, to time.Time) int64 {
	return int64(to.Sub(from) / dayLen)
}

// AverageHoldingDays is the mean over instruments of whole days between
// the first buy and the last sell. Instruments missing either side, or
// whose last sell precedes the first buy, are excluded.
func AverageHoldingDays(rows []model.PositionRow) decimal.NullDecimal {
	type span struct{ firstBuy, lastSell time.Time }
	spans := map[string]*span{}
	for _, r := range rows {
		s, ok := spans[r.Event.InstrumentID]
		if !ok {
			s = &span{}
			spans[r.Event.InstrumentID] = s
		}
		ts := r.Event.Timestamp
		switch r.Event.Side {
		case model.SideBuy:
			if s.firstBuy.IsZero() || ts.Before(s.firstBuy) {
				s.firstBuy = ts
			}
		case model.SideSell:
			if ts.After(s.lastSell) {
				s.lastSell = ts
			}
		}
	}

	var durations []decimal.Decimal
	for _, s := range spans {
		if s.firstBuy.IsZero() || s.lastSell.IsZero() || s.lastSell.Before(s.firstBuy) {
			continue
		}
		durations = append(durations, decimal.NewFromInt(wholeDays(s.firstBuy, s.lastSell)))
	}
	return mean(durations)
}

// WeightedHoldingDays is Σ(days_i × closedQty_i) / Σ closedQty_i over
// completed segments, where days_i runs from the segment's opening event to
// the event that ended it.
func WeightedHoldingDays(rows []model.PositionRow) decimal.NullDecimal {
	sum, qty := decimal.Zero, decimal.Zero
	for _, r := range rows {
		out := r.Outcome
		if !out.ClosedSegmentPnL.Valid || out.ClosedSegmentAt.IsZero() {
			continue
		}
		days := decimal.NewFromInt(wholeDays(out.ClosedSegmentAt, r.Event.Timestamp))
		sum = sum.Add(days.Mul(out.ClosedQuantity))
		qty = qty.Add(out.ClosedQuantity)
	}
	if qty.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(sum.Div(qty))
}

// ActiveDays counts distinct UTC calendar days with at least one event.
func ActiveDays(rows []model.PositionRow) int {
	days := map[string]struct{}{}
	for _, r := range rows {
		days[r.Event.Timestamp.UTC().Format(time.DateOnly)] = struct{}{}
	}
	return len(days)
}

// TradesPerActiveDay is executed trades / distinct active days, reported as
// the average trades "per month" figure.
func TradesPerActiveDay(executed, activeDays int) decimal.NullDecimal {
	if activeDays == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromInt(int64(executed)).Div(decimal.NewFromInt(int64(activeDays))))
}

// MostLeastProfitable returns the instruments holding the largest and the
// smallest single winning trade. Ties are joined with ", " in name order.
func MostLeastProfitable(rows []model.PositionRow) (most, least string) {
	var maxPnL, minPnL decimal.NullDecimal
	maxSet, minSet := map[string]bool{}, map[string]bool{}
	for _, r := range rows {
		pnl := r.Outcome.RealizedPnL
		if !pnl.Valid || !pnl.Decimal.IsPositive() {
			continue
		}
		id := r.Event.InstrumentID
		switch {
		case !maxPnL.Valid || pnl.Decimal.GreaterThan(maxPnL.Decimal):
			maxPnL, maxSet = pnl, map[string]bool{id: true}
		case pnl.Decimal.Equal(maxPnL.Decimal):
			maxSet[id] = true
		}
		switch {
		case !minPnL.Valid || pnl.Decimal.LessThan(minPnL.Decimal):
			minPnL, minSet = pnl, map[string]bool{id: true}
		case pnl.Decimal.Equal(minPnL.Decimal):
			minSet[id] = true
		}
	}
	return joinKeys(maxSet), joinKeys(minSet)
}

func joinKeys(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// MaxDrawdownPct is the most negative (v − peak) / peak × 100 over the
// series, in date order. Null for an empty series; 0 when it never falls.
func MaxDrawdownPct(values []model.DailyValue) decimal.NullDecimal {
	if len(values) == 0 {
		return decimal.NullDecimal{}
	}
	sorted := append([]model.DailyValue(nil), values...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	peak := sorted[0].Value
	worst := decimal.Zero
	for _, v := range sorted {
		if v.Value.GreaterThan(peak) {
			peak = v.Value
		}
		if !peak.IsPositive() {
			continue
		}
		dd := v.Value.Sub(peak).Div(peak).Mul(hundred)
		if dd.LessThan(worst) {
			worst = dd
		}
	}
	return decimal.NewNullDecimal(worst)
}

package tradestats

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Drawdowns shallower than this fraction of the peak count as none.
var minDrawdown = decimal.RequireFromString("0.0001")

// TradeReturn is the fractional return of one closing event on the entry
// price it closed against: (exit − entry) / entry for a long close and
// (entry − exit) / entry for a short cover. The entry price is recovered
// from the realized P&L, so the row needs no neighbours. ok is false for
// non-closing rows and for entries at or below zero.
func TradeReturn(r model.PositionRow) (ret decimal.Decimal, ok bool) {
	out := r.Outcome
	if !out.RealizedPnL.Valid || !out.ClosedQuantity.IsPositive() {
		return decimal.Zero, false
	}
	perUnit := out.RealizedPnL.Decimal.Div(out.ClosedQuantity)
	entry := r.Event.Price.Sub(perUnit)
	if r.Event.Side == model.SideBuy {
		entry = r.Event.Price.Add(perUnit)
	}
	if !entry.IsPositive() {
		return decimal.Zero, false
	}
	return perUnit.Div(entry), true
}

// ReturnPcts splits per-trade returns into the mean winning, losing and
// overall return, each × 100. A side with no trades is null.
func ReturnPcts(rows []model.PositionRow) (winning, losing, all decimal.NullDecimal) {
	var wins, losses, every []decimal.Decimal
	for _, r := range rows {
		ret, ok := TradeReturn(r)
		if !ok {
			continue
		}
		every = append(every, ret)
		switch {
		case ret.IsPositive():
			wins = append(wins, ret)
		case ret.IsNegative():
			losses = append(losses, ret)
		}
	}
	return pct(mean(wins)), pct(mean(losses)), pct(mean(every))
}

func pct(v decimal.NullDecimal) decimal.NullDecimal {
	if !v.Valid {
		return v
	}
	return decimal.NewNullDecimal(v.Decimal.Mul(hundred))
}

// realizedSeries is every non-null per-event realized P&L.
func realizedSeries(rows []model.PositionRow) []decimal.Decimal {
	var out []decimal.Decimal
	for _, r := range rows {
		if r.Outcome.RealizedPnL.Valid {
			out = append(out, r.Outcome.RealizedPnL.Decimal)
		}
	}
	return out
}

// populationStd is sqrt(Σ(x − mean)² / n).
func populationStd(vs []decimal.Decimal) decimal.Decimal {
	m := mean(vs).Decimal
	ss := decimal.Zero
	for _, v := range vs {
		d := v.Sub(m)
		ss = ss.Add(d.Mul(d))
	}
	variance, _ := ss.Div(decimal.NewFromInt(int64(len(vs)))).Float64()
	return decimal.NewFromFloat(math.Sqrt(variance))
}

// riskRatio is (Σ realized / initial) / (std / 100) × 100, where std is the
// population deviation of the sample. Null below two observations, on a
// zero deviation, or without initial capital.
func riskRatio(total decimal.Decimal, sample []decimal.Decimal, initial decimal.NullDecimal) decimal.NullDecimal {
	if !initial.Valid || initial.Decimal.IsZero() || len(sample) < 2 {
		return decimal.NullDecimal{}
	}
	std := populationStd(sample)
	if std.IsZero() {
		return decimal.NullDecimal{}
	}
	ret := total.Div(initial.Decimal)
	return decimal.NewNullDecimal(ret.Div(std.Div(hundred)).Mul(hundred))
}

// SharpeRatio measures the cumulative realized return on initial capital
// against the spread of every realized P&L.
func SharpeRatio(rows []model.PositionRow, initial decimal.NullDecimal) decimal.NullDecimal {
	series := realizedSeries(rows)
	return riskRatio(decimal.Sum(decimal.Zero, series...), series, initial)
}

// SortinoRatio is SharpeRatio with the spread taken over losing realized
// P&L only. Null when fewer than two losses exist, including the
// no-downside case.
func SortinoRatio(rows []model.PositionRow, initial decimal.NullDecimal) decimal.NullDecimal {
	series := realizedSeries(rows)
	var downside []decimal.Decimal
	for _, v := range series {
		if v.IsNegative() {
			downside = append(downside, v)
		}
	}
	return riskRatio(decimal.Sum(decimal.Zero, series...), downside, initial)
}

// CalmarRatio is the annualised account return over the maximum drawdown
// fraction. The return is (last / initial)^(365 / days) − 1 across the
// series' date span, or the simple return when the span is under a day.
// With no drawdown the ratio is 0 for a flat account and null otherwise.
func CalmarRatio(values []model.DailyValue, initial decimal.NullDecimal) decimal.NullDecimal {
	if len(values) == 0 || !initial.Valid || !initial.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	first, last := values[0], values[0]
	for _, v := range values {
		if v.Date.Before(first.Date) {
			first = v
		}
		if !v.Date.Before(last.Date) {
			last = v
		}
	}

	ratio := last.Value.Div(initial.Decimal)
	arr := ratio.Sub(one)
	if days := wholeDays(first.Date, last.Date); days > 0 && ratio.IsPositive() {
		r, _ := ratio.Float64()
		arr = decimal.NewFromFloat(math.Pow(r, 365/float64(days)) - 1)
	}

	mdd := MaxDrawdownPct(values).Decimal.Neg().Div(hundred)
	if mdd.LessThan(minDrawdown) {
		if arr.IsZero() {
			return decimal.NewNullDecimal(decimal.Zero)
		}
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(arr.Div(mdd))
}

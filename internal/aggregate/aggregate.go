// Package aggregate rolls per-instrument position states up into
// portfolio-level views: market value, equity, gain, diversification,
// pending order reservations and cumulative return series.
//
// Inputs are unrounded; every figure leaving this package is rounded to
// Scale decimal places.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/instrument"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/position"
)

// Scale is the number of decimal places for reported figures.
const Scale int32 = 2

var hundred = decimal.NewFromInt(100)

// Input is everything Snapshot needs. Prices and Instruments are keyed by
// instrument id; a missing or invalid price marks the holding at its
// average entry price.
type Input struct {
	PortfolioID    string
	AsOf           time.Time
	States         []model.PositionState
	Prices         map[string]decimal.NullDecimal
	Instruments    map[string]model.Instrument
	AccountBalance decimal.Decimal
	InitialCapital decimal.NullDecimal
	PendingOrders  []model.PendingOrder
	// CashFlow is Σ CashDelta across every folded event of the portfolio.
	CashFlow decimal.Decimal
}

// Snapshot builds the point-in-time portfolio rollup.
func Snapshot(in Input) model.PortfolioSnapshot {
	snap := model.PortfolioSnapshot{
		PortfolioID:       in.PortfolioID,
		AsOf:              in.AsOf,
		AccountBalance:    in.AccountBalance.Round(Scale),
		PendingOrderValue: PendingOrderValue(in.PendingOrders).Round(Scale),
		InitialCapital:    in.InitialCapital,
	}

	var (
		marketValue = decimal.Zero
		unrealized  = decimal.Zero
		realized    = decimal.Zero
		posValue    = decimal.Zero
		byClass     = map[string]decimal.Decimal{}
		bySector    = map[string]decimal.Decimal{}
		byIndustry  = map[string]decimal.Decimal{}
		byCap       = map[string]decimal.Decimal{}
		holdings    []model.Holding
	)

	states := append([]model.PositionState(nil), in.States...)
	sort.Slice(states, func(i, j int) bool { return states[i].InstrumentID < states[j].InstrumentID })

	for _, st := range states {
		realized = realized.Add(st.CumulativeRealizedPnL)
		if !st.IsOpen() {
			continue
		}

		price, priced := markPrice(st, in.Prices)
		if !priced {
			snap.UnpricedInstruments = append(snap.UnpricedInstruments, st.InstrumentID)
		}
		inst := instrument.Classify(st.InstrumentID, in.Instruments)

		mv := position.MarketValue(st, price)
		un := position.Unrealized(st, price)
		pv := position.PositionValue(st, price)

		marketValue = marketValue.Add(mv)
		unrealized = unrealized.Add(un)
		posValue = posValue.Add(pv)

		addTo(byClass, inst.AssetClass, mv)
		if inst.AssetClass == instrument.ClassEquity {
			addTo(bySector, orUnknown(inst.Sector), mv)
			addTo(byIndustry, orUnknown(inst.Industry), mv)
			addTo(byCap, orUnknown(inst.MarketCap), mv)
		}

		holdings = append(holdings, model.Holding{
			InstrumentID:  st.InstrumentID,
			AssetClass:    inst.AssetClass,
			Direction:     st.Direction,
			Quantity:      st.SignedQuantity,
			AvgEntryPrice: st.AvgEntryPrice,
			Price:         price,
			Priced:        priced,
			MarketValue:   mv,
			PositionValue: pv,
			CostBasis:     st.CostBasis,
			UnrealizedPnL: un,
			RealizedPnL:   st.CumulativeRealizedPnL,
		})
	}

	for i := range holdings {
		h := &holdings[i]
		h.WeightPct = Percent(h.MarketValue, marketValue).Round(Scale)
		h.MarketValue = h.MarketValue.Round(Scale)
		h.PositionValue = h.PositionValue.Round(Scale)
		h.CostBasis = h.CostBasis.Round(Scale)
		h.UnrealizedPnL = h.UnrealizedPnL.Round(Scale)
		h.RealizedPnL = h.RealizedPnL.Round(Scale)
	}

	snap.Holdings = holdings
	snap.HoldingMarketValue = marketValue.Round(Scale)
	snap.UnrealizedPnL = unrealized.Round(Scale)
	snap.RealizedPnL = realized.Round(Scale)
	snap.Equity = in.AccountBalance.Add(marketValue).Round(Scale)
	snap.TotalGainPct = TotalGainPct(realized, unrealized, in.InitialCapital)
	snap.Diversification = Distribution(byClass)
	snap.SectorDistribution = Distribution(bySector)
	snap.IndustryDistribution = Distribution(byIndustry)
	snap.MarketCapDistribution = Distribution(byCap)

	if in.InitialCapital.Valid {
		cash := in.InitialCapital.Decimal.Add(in.CashFlow)
		snap.ReconciledCash = decimal.NewNullDecimal(cash.Round(Scale))
		snap.CashDiscrepancy = decimal.NewNullDecimal(in.AccountBalance.Sub(cash).Round(Scale))
		snap.AccountValue = decimal.NewNullDecimal(cash.Add(posValue).Round(Scale))
	}
	return snap
}

func markPrice(st model.PositionState, prices map[string]decimal.NullDecimal) (decimal.Decimal, bool) {
	if p, ok := prices[st.InstrumentID]; ok && p.Valid {
		return p.Decimal, true
	}
	return st.AvgEntryPrice.Decimal, false
}

func addTo(m map[string]decimal.Decimal, k string, v decimal.Decimal) {
	m[k] = m[k].Add(v)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

// Percent returns part/total × 100, or 0 when total is zero.
func Percent(part, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return part.Div(total).Mul(hundred)
}

// TotalGainPct returns (realized + unrealized) / initialCapital × 100.
// It is null when initial capital is unset or zero.
func TotalGainPct(realized, unrealized decimal.Decimal, initialCapital decimal.NullDecimal) decimal.NullDecimal {
	if !initialCapital.Valid || initialCapital.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	pct := realized.Add(unrealized).Div(initialCapital.Decimal).Mul(hundred)
	return decimal.NewNullDecimal(pct.Round(Scale))
}

// Distribution converts absolute values per bucket into percentages of the
// bucket total. All buckets are 0 when the total is 0.
func Distribution(values map[string]decimal.Decimal) map[string]decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	out := make(map[string]decimal.Decimal, len(values))
	for k, v := range values {
		out[k] = Percent(v, total).Round(Scale)
	}
	return out
}

// FormatDistribution renders a distribution as "Label: 12.34%" lines,
// largest share first.
func FormatDistribution(dist map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := dist[keys[i]], dist[keys[j]]
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return keys[i] < keys[j]
	})
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s%%", k, dist[k].StringFixed(Scale)))
	}
	return lines
}

// PendingOrderValue is Σ price × |qty| over OPEN and PARTIAL orders.
func PendingOrderValue(orders []model.PendingOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		switch strings.ToUpper(o.Status) {
		case model.StatusOpen, model.StatusPartial:
			total = total.Add(o.Price.Mul(o.Quantity.Abs()))
		}
	}
	return total
}

// CumulativeReturns turns a daily value series into return points.
// Daily return is (v[i] − v[i−1]) / v[i−1] × 100, 0 when v[i−1] is 0, and
// null on the first point. Cumulative return is the running sum of daily
// returns. Input order does not matter.
func CumulativeReturns(series []model.DailyValue) []model.ReturnPoint {
	sorted := append([]model.DailyValue(nil), series...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	out := make([]model.ReturnPoint, 0, len(sorted))
	cum := decimal.Zero
	for i, v := range sorted {
		pt := model.ReturnPoint{Date: v.Date, Value: v.Value}
		if i > 0 {
			daily := Percent(v.Value.Sub(sorted[i-1].Value), sorted[i-1].Value)
			cum = cum.Add(daily)
			pt.DailyReturnPct = decimal.NewNullDecimal(daily.Round(Scale))
		}
		pt.CumulativeReturnPct = cum.Round(Scale)
		out = append(out, pt)
	}
	return out
}

// YTDRealized sums realized P&L of closing events in asOf's calendar year,
// up to and including asOf.
func YTDRealized(rows []model.PositionRow, asOf time.Time) decimal.Decimal {
	asOf = asOf.UTC()
	start := time.Date(asOf.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	total := decimal.Zero
	for _, row := range rows {
		ts := row.Event.Timestamp
		if ts.Before(start) || ts.After(asOf) || !row.Outcome.RealizedPnL.Valid {
			continue
		}
		total = total.Add(row.Outcome.RealizedPnL.Decimal)
	}
	return total.Round(Scale)
}

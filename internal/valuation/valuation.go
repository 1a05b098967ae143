// Package valuation builds daily portfolio value series and aligns them
// against a benchmark.
package valuation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/aggregate"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/position"
)

// DayKey formats the UTC calendar day of t. Series are joined on this key.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// StartOfDay truncates t to 00:00 UTC.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Compare computes each series' cumulative return over its own values, then
// inner-joins them on calendar day. Dates present in only one series are
// dropped; nothing is forward filled.
func Compare(portfolio, benchmark []model.DailyValue) []model.ComparisonRow {
	bench := map[string]model.ReturnPoint{}
	for _, pt := range aggregate.CumulativeReturns(benchmark) {
		bench[DayKey(pt.Date)] = pt
	}

	var rows []model.ComparisonRow
	for _, pt := range aggregate.CumulativeReturns(portfolio) {
		b, ok := bench[DayKey(pt.Date)]
		if !ok {
			continue
		}
		rows = append(rows, model.ComparisonRow{
			Date:                         StartOfDay(pt.Date),
			PortfolioValue:               pt.Value.Round(aggregate.Scale),
			BenchmarkClose:               b.Value.Round(aggregate.Scale),
			PortfolioCumulativeReturnPct: pt.CumulativeReturnPct,
			BenchmarkCumulativeReturnPct: b.CumulativeReturnPct,
		})
	}
	return rows
}

// Closes holds historical closing prices: instrument id → DayKey → close.
type Closes map[string]map[string]decimal.Decimal

// Set records a close.
func (c Closes) Set(instrumentID string, day time.Time, price decimal.Decimal) {
	m, ok := c[instrumentID]
	if !ok {
		m = map[string]decimal.Decimal{}
		c[instrumentID] = m
	}
	m[DayKey(day)] = price
}

// Lookup returns the close of an instrument on a day.
func (c Closes) Lookup(instrumentID string, day time.Time) (decimal.Decimal, bool) {
	p, ok := c[instrumentID][DayKey(day)]
	return p, ok
}

// ReplayInput drives Replay.
type ReplayInput struct {
	Rows           []model.PositionRow
	Dates          []time.Time
	Closes         Closes
	InitialCapital decimal.Decimal
}

// Replay computes the account value at the end of each requested day:
// initial capital + Σ CashDelta of events up to that day + Σ position value
// marked at that day's close. A position without a close is marked at its
// average entry price.
func Replay(in ReplayInput) []model.DailyValue {
	rows := append([]model.PositionRow(nil), in.Rows...)
	sort.SliceStable(rows, func(i, j int) bool { return ledger.Less(rows[i].Event, rows[j].Event) })

	dates := make([]time.Time, 0, len(in.Dates))
	seen := map[string]bool{}
	for _, dt := range in.Dates {
		day := StartOfDay(dt)
		if seen[DayKey(day)] {
			continue
		}
		seen[DayKey(day)] = true
		dates = append(dates, day)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	states := map[string]model.PositionState{}
	cash := decimal.Zero
	next := 0
	out := make([]model.DailyValue, 0, len(dates))
	for _, day := range dates {
		end := day.Add(24 * time.Hour)
		for next < len(rows) && rows[next].Event.Timestamp.Before(end) {
			r := rows[next]
			states[r.Event.InstrumentID] = r.State
			cash = cash.Add(r.Outcome.CashDelta)
			next++
		}

		value := in.InitialCapital.Add(cash)
		for id, st := range states {
			if !st.IsOpen() {
				continue
			}
			price, ok := in.Closes.Lookup(id, day)
			if !ok {
				price = st.AvgEntryPrice.Decimal
			}
			value = value.Add(position.PositionValue(st, price))
		}
		out = append(out, model.DailyValue{Date: day, Value: value})
	}
	return out
}

// Instruments lists the distinct instruments that appear in rows.
func Instruments(rows []model.PositionRow) []string {
	set := map[string]struct{}{}
	for _, r := range rows {
		set[r.Event.InstrumentID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

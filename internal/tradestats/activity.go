package tradestats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Opening reports whether the event added to the direction it left the
// position in: a buy ending long or a sell ending short.
func Opening(r model.PositionRow) bool {
	switch r.Event.Side {
	case model.SideBuy:
		return r.State.Direction == model.Long
	case model.SideSell:
		return r.State.Direction == model.Short
	}
	return false
}

// InvestmentCount is the number of opening events.
func InvestmentCount(rows []model.PositionRow) int {
	n := 0
	for _, r := range rows {
		if Opening(r) {
			n++
		}
	}
	return n
}

type tally struct {
	id string
	n  decimal.Decimal
}

func tallies(m map[string]decimal.Decimal) []tally {
	out := make([]tally, 0, len(m))
	for id, n := range m {
		out = append(out, tally{id, n})
	}
	return out
}

func joinTallies(ts []tally, format func(tally) string) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = format(t)
	}
	return strings.Join(parts, ", ")
}

// MostLeastTraded ranks instruments by completed segments, a segment being
// the life of a position from open to flat or to a flip. Both lists hold
// every instrument as "ID count", most traded first in the one and least
// traded first in the other, ties in name order.
func MostLeastTraded(rows []model.PositionRow) (most, least string) {
	counts := map[string]decimal.Decimal{}
	for _, r := range rows {
		if r.Outcome.ClosedSegmentPnL.Valid {
			counts[r.Event.InstrumentID] = counts[r.Event.InstrumentID].Add(one)
		}
	}
	ts := tallies(counts)
	format := func(t tally) string { return t.id + " " + t.n.String() }

	sort.Slice(ts, func(i, j int) bool {
		if c := ts[i].n.Cmp(ts[j].n); c != 0 {
			return c > 0
		}
		return ts[i].id < ts[j].id
	})
	most = joinTallies(ts, format)

	sort.Slice(ts, func(i, j int) bool {
		if c := ts[i].n.Cmp(ts[j].n); c != 0 {
			return c < 0
		}
		return ts[i].id < ts[j].id
	})
	return most, joinTallies(ts, format)
}

// MostBought names the instrument(s) with the largest total opening
// quantity as "ID qty", ties in name order.
func MostBought(rows []model.PositionRow) string {
	opened := map[string]decimal.Decimal{}
	for _, r := range rows {
		if Opening(r) {
			opened[r.Event.InstrumentID] = opened[r.Event.InstrumentID].Add(r.Event.Quantity)
		}
	}
	var top decimal.NullDecimal
	var winners []tally
	for id, q := range opened {
		switch {
		case !top.Valid || q.GreaterThan(top.Decimal):
			top, winners = decimal.NewNullDecimal(q), []tally{{id, q}}
		case q.Equal(top.Decimal):
			winners = append(winners, tally{id, q})
		}
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].id < winners[j].id })
	return joinTallies(winners, func(t tally) string { return t.id + " " + t.n.String() })
}

// BiggestInvestment lists every instrument's largest single opening
// notional (price × quantity) as "ID: value", biggest first.
func BiggestInvestment(rows []model.PositionRow) string {
	biggest := map[string]decimal.Decimal{}
	for _, r := range rows {
		if !Opening(r) {
			continue
		}
		v := r.Event.Price.Mul(r.Event.Quantity)
		if cur, ok := biggest[r.Event.InstrumentID]; !ok || v.GreaterThan(cur) {
			biggest[r.Event.InstrumentID] = v
		}
	}
	ts := tallies(biggest)
	sort.Slice(ts, func(i, j int) bool {
		if c := ts[i].n.Cmp(ts[j].n); c != 0 {
			return c > 0
		}
		return ts[i].id < ts[j].id
	})
	return joinTallies(ts, func(t tally) string { return t.id + ": " + t.n.StringFixed(Scale) })
}

// TradedVolumeRange is the largest and smallest price × quantity of any
// executed event, null when there are none.
func TradedVolumeRange(rows []model.PositionRow) (highest, lowest decimal.NullDecimal) {
	for _, r := range rows {
		v := r.Event.Price.Mul(r.Event.Quantity)
		if !highest.Valid || v.GreaterThan(highest.Decimal) {
			highest = decimal.NewNullDecimal(v)
		}
		if !lowest.Valid || v.LessThan(lowest.Decimal) {
			lowest = decimal.NewNullDecimal(v)
		}
	}
	return highest, lowest
}

// AssetCount counts open positions per asset class as "Class: n" in class
// order, reading each instrument's last row. Rows must be in ledger order
// per instrument. Instruments without a class are left out.
func AssetCount(rows []model.PositionRow, classes map[string]string) string {
	last := map[string]model.PositionState{}
	for _, r := range rows {
		last[r.Event.InstrumentID] = r.State
	}
	counts := map[string]int{}
	for id, st := range last {
		if c := classes[id]; c != "" && st.IsOpen() {
			counts[c]++
		}
	}
	names := make([]string, 0, len(counts))
	for c := range counts {
		names = append(names, c)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, c := range names {
		parts[i] = fmt.Sprintf("%s: %d", c, counts[c])
	}
	return strings.Join(parts, ", ")
}

package valuation

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/position"
)

var day0 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func day(n int) time.Time { return day0.AddDate(0, 0, n) }

func series(start int, values ...float64) []model.DailyValue {
	out := make([]model.DailyValue, 0, len(values))
	for i, v := range values {
		out = append(out, model.DailyValue{Date: day(start + i), Value: d(v)})
	}
	return out
}

func assertDec(t *testing.T, want float64, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "%s: want %v, got %s", field, want, got)
}

func TestCompare_InnerJoinWithOwnBaselines(t *testing.T) {
	portfolio := series(1, 100, 110, 121, 110)
	benchmark := series(2, 50, 55, 50, 60)

	rows := Compare(portfolio, benchmark)

	require.Len(t, rows, 3)
	assert.True(t, rows[0].Date.Equal(day(2)))
	assert.True(t, rows[2].Date.Equal(day(4)))

	assertDec(t, 10, rows[0].PortfolioCumulativeReturnPct, "p d2")
	assertDec(t, 0, rows[0].BenchmarkCumulativeReturnPct, "b d2")
	assertDec(t, 20, rows[1].PortfolioCumulativeReturnPct, "p d3")
	assertDec(t, 10, rows[1].BenchmarkCumulativeReturnPct, "b d3")
	assertDec(t, 10.91, rows[2].PortfolioCumulativeReturnPct, "p d4")
	assertDec(t, 0.91, rows[2].BenchmarkCumulativeReturnPct, "b d4")
	assertDec(t, 110, rows[2].PortfolioValue, "value")
	assertDec(t, 50, rows[2].BenchmarkClose, "close")
}

func TestCompare_JoinsOnCalendarDay(t *testing.T) {
	portfolio := []model.DailyValue{
		{Date: day(0).Add(21 * time.Hour), Value: d(100)},
		{Date: day(1).Add(21 * time.Hour), Value: d(101)},
	}
	benchmark := series(0, 10, 11)

	rows := Compare(portfolio, benchmark)
	require.Len(t, rows, 2)
	assert.True(t, rows[1].Date.Equal(day(1)))
}

func TestCompare_NoOverlap(t *testing.T) {
	assert.Empty(t, Compare(series(0, 1, 2), series(5, 1, 2)))
	assert.Empty(t, Compare(nil, series(0, 1)))
}

func TestReplay(t *testing.T) {
	key := model.PositionKey{PortfolioID: "p1", InstrumentID: "AAPL"}
	rows, _ := position.Reconstruct(key, []model.TradeEvent{
		{ID: "1", PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy, Quantity: d(10), Price: d(100), Timestamp: day(0).Add(10 * time.Hour)},
		{ID: "2", PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideSell, Quantity: d(5), Price: d(120), Timestamp: day(2).Add(15 * time.Hour)},
	}, nil, position.DefaultOptions())

	closes := Closes{}
	closes.Set("AAPL", day(0), d(105))
	closes.Set("AAPL", day(1).Add(20*time.Hour), d(110))

	values := Replay(ReplayInput{
		Rows:           rows,
		Dates:          []time.Time{day(2), day(-1), day(1), day(0), day(1)},
		Closes:         closes,
		InitialCapital: d(2000),
	})

	require.Len(t, values, 4)
	assert.True(t, values[0].Date.Equal(day(-1)))
	assertDec(t, 2000, values[0].Value, "before first trade")
	assertDec(t, 2050, values[1].Value, "day 0")
	assertDec(t, 2100, values[2].Value, "day 1")
	// No close on day 2: the remaining 5 shares are marked at entry.
	assertDec(t, 2100, values[3].Value, "day 2")
}

func TestInstruments(t *testing.T) {
	rows := []model.PositionRow{
		{Event: model.TradeEvent{InstrumentID: "MSFT"}},
		{Event: model.TradeEvent{InstrumentID: "AAPL"}},
		{Event: model.TradeEvent{InstrumentID: "MSFT"}},
	}
	assert.Equal(t, []string{"AAPL", "MSFT"}, Instruments(rows))
}

func TestRenderComparison(t *testing.T) {
	rows := Compare(series(0, 100, 110, 105), series(0, 10, 10.5, 11))

	var buf bytes.Buffer
	require.NoError(t, RenderComparison(&buf, rows, "SPY"))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestRenderComparison_NotEnoughPoints(t *testing.T) {
	var buf bytes.Buffer
	err := RenderComparison(&buf, Compare(series(0, 1), series(0, 1)), "")
	assert.ErrorIs(t, err, ErrNotEnoughPoints)
}

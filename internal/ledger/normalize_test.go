package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func nd(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(f))
}

func rec(id, instrument, side string, qty, price float64, at time.Time) model.LedgerRecord {
	return model.LedgerRecord{
		ID:           id,
		PortfolioID:  "p1",
		InstrumentID: instrument,
		Side:         side,
		Status:       model.StatusExecuted,
		Quantity:     nd(qty),
		Price:        nd(price),
		Timestamp:    at,
	}
}

func TestNormalize_OrdersByTimestampThenID(t *testing.T) {
	t.Parallel()

	res := Normalize([]model.LedgerRecord{
		rec("c", "AAPL", "buy", 1, 10, t0.Add(time.Minute)),
		rec("b", "AAPL", "buy", 1, 10, t0),
		rec("a", "AAPL", "sell", 1, 10, t0),
	})

	key := model.PositionKey{PortfolioID: "p1", InstrumentID: "AAPL"}
	require.Len(t, res.Groups[key], 3)
	var ids []string
	for _, ev := range res.Groups[key] {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestNormalize_GroupsByInstrument(t *testing.T) {
	t.Parallel()

	res := Normalize([]model.LedgerRecord{
		rec("1", "MSFT", "buy", 1, 10, t0),
		rec("2", "AAPL", "buy", 1, 10, t0),
		rec("3", "MSFT", "sell", 1, 11, t0.Add(time.Hour)),
	})

	require.Len(t, res.Keys, 2)
	assert.Equal(t, "AAPL", res.Keys[0].InstrumentID)
	assert.Equal(t, "MSFT", res.Keys[1].InstrumentID)
	assert.Equal(t, 3, res.Events())
}

func TestNormalize_SideIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	res := Normalize([]model.LedgerRecord{
		rec("1", "AAPL", "BUY", 5, 10, t0),
		rec("2", "AAPL", " Sell ", 2, 12, t0.Add(time.Second)),
	})

	evs := res.Groups[model.PositionKey{PortfolioID: "p1", InstrumentID: "AAPL"}]
	require.Len(t, evs, 2)
	assert.Equal(t, model.SideBuy, evs[0].Side)
	assert.Equal(t, model.SideSell, evs[1].Side)
	assert.True(t, evs[1].SignedQuantity().Equal(decimal.NewFromInt(-2)))
}

func TestNormalize_SkipsNonExecutedAndNonTrades(t *testing.T) {
	t.Parallel()

	open := rec("1", "AAPL", "buy", 5, 10, t0)
	open.Status = model.StatusOpen
	deposit := rec("2", "CASH", "deposit", 1000, 1, t0)

	res := Normalize([]model.LedgerRecord{open, deposit, rec("3", "AAPL", "buy", 1, 10, t0)})

	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 1, res.Events())
}

func TestNormalize_DropsMalformedRecords(t *testing.T) {
	t.Parallel()

	noPrice := rec("np", "AAPL", "buy", 5, 10, t0)
	noPrice.Price = decimal.NullDecimal{}
	noQty := rec("nq", "AAPL", "buy", 5, 10, t0)
	noQty.Quantity = decimal.NullDecimal{}

	res := Normalize([]model.LedgerRecord{
		noPrice,
		noQty,
		rec("zero", "AAPL", "buy", 0, 10, t0),
		rec("neg", "AAPL", "sell", 3, -1, t0),
		rec("ok", "AAPL", "buy", 1, 0, t0),
	})

	require.Len(t, res.Dropped, 4)
	fields := map[string]string{}
	for _, dq := range res.Dropped {
		fields[dq.RecordID] = dq.Field
		assert.Contains(t, dq.Error(), dq.RecordID)
	}
	assert.Equal(t, "price", fields["np"])
	assert.Equal(t, "quantity", fields["nq"])
	assert.Equal(t, "quantity", fields["zero"])
	assert.Equal(t, "price", fields["neg"])
	// A zero price is a legitimate fill (e.g. a gifted share).
	assert.Equal(t, 1, res.Events())
}

func TestNormalize_DropsNegativeQuantity(t *testing.T) {
	t.Parallel()

	res := Normalize([]model.LedgerRecord{rec("1", "AAPL", "sell", -4, 10, t0)})

	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "quantity", res.Dropped[0].Field)
	assert.Zero(t, res.Events())
}

func TestAfter_SkipsEventsUpToMark(t *testing.T) {
	t.Parallel()

	evs := []model.TradeEvent{
		{ID: "a", Timestamp: t0},
		{ID: "b", Timestamp: t0},
		{ID: "c", Timestamp: t0},
		{ID: "a", Timestamp: t0.Add(time.Minute)},
	}

	rest := After(evs, t0, "b")
	require.Len(t, rest, 2)
	assert.Equal(t, "c", rest[0].ID)

	assert.Len(t, After(evs, time.Time{}, ""), 4)
	assert.Empty(t, After(evs, t0.Add(time.Hour), ""))
}

func TestGroup_SortsEachBucket(t *testing.T) {
	t.Parallel()

	groups := Group([]model.TradeEvent{
		{ID: "2", PortfolioID: "p", InstrumentID: "X", Timestamp: t0.Add(time.Minute)},
		{ID: "1", PortfolioID: "p", InstrumentID: "X", Timestamp: t0.Add(time.Minute)},
		{ID: "0", PortfolioID: "p", InstrumentID: "X", Timestamp: t0},
	})

	evs := groups[model.PositionKey{PortfolioID: "p", InstrumentID: "X"}]
	require.Len(t, evs, 3)
	assert.Equal(t, "0", evs[0].ID)
	assert.Equal(t, "1", evs[1].ID)
	assert.Equal(t, "2", evs[2].ID)
}

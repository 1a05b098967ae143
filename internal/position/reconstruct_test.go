package position

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	t0  = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	key = model.PositionKey{PortfolioID: "p1", InstrumentID: "AAPL"}
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ev(id string, side model.Side, qty, price float64, minute int) model.TradeEvent {
	return model.TradeEvent{
		ID:           id,
		PortfolioID:  key.PortfolioID,
		InstrumentID: key.InstrumentID,
		Side:         side,
		Quantity:     d(qty),
		Price:        d(price),
		Timestamp:    t0.Add(time.Duration(minute) * time.Minute),
	}
}

func assertDec(t *testing.T, want float64, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "%s: want %v, got %s", field, want, got)
}

func fold(opts Options, events ...model.TradeEvent) ([]model.PositionRow, *Reconstructor) {
	return Reconstruct(key, events, nil, opts)
}

// canonical renders a row with value-equal decimals printing identically.
func canonical(v any) string {
	return fmt.Sprintf("%+v", v)
}

func TestApply_FlipLongToShort(t *testing.T) {
	t.Parallel()

	rows, r := fold(DefaultOptions(),
		ev("1", model.SideBuy, 100, 10, 0),
		ev("2", model.SideSell, 150, 12, 1),
	)

	out := rows[1].Outcome
	assertDec(t, 100, out.ClosedQuantity, "closed")
	assertDec(t, 50, out.OpenedQuantity, "opened")
	require.True(t, out.RealizedPnL.Valid)
	assertDec(t, 200, out.RealizedPnL.Decimal, "realized")
	assert.True(t, out.Flip)
	assert.Equal(t, int64(1), out.ClosedSegmentID)
	assertDec(t, 200, out.ClosedSegmentPnL.Decimal, "closed segment pnl")

	st := r.State()
	assertDec(t, -50, st.SignedQuantity, "qty")
	assert.Equal(t, model.Short, st.Direction)
	assertDec(t, 12, st.AvgEntryPrice.Decimal, "avg")
	assert.Equal(t, int64(2), st.SegmentID)
	assert.True(t, st.SegmentRealizedPnL.IsZero())
	assertDec(t, 200, st.CumulativeRealizedPnL, "cumulative")
	assert.True(t, st.SegmentOpenedAt.Equal(rows[1].Event.Timestamp))
}

func TestApply_PartialClose(t *testing.T) {
	t.Parallel()

	rows, r := fold(DefaultOptions(),
		ev("1", model.SideBuy, 100, 10, 0),
		ev("2", model.SideSell, 40, 15, 1),
	)

	out := rows[1].Outcome
	assertDec(t, 40, out.ClosedQuantity, "closed")
	assert.True(t, out.OpenedQuantity.IsZero())
	assertDec(t, 200, out.RealizedPnL.Decimal, "realized")
	assert.False(t, out.Flip)
	assert.False(t, out.ClosedSegmentPnL.Valid)

	st := r.State()
	assertDec(t, 60, st.SignedQuantity, "qty")
	assertDec(t, 10, st.AvgEntryPrice.Decimal, "avg")
	assertDec(t, 600, st.CostBasis, "cost basis")
	assert.Equal(t, int64(1), st.SegmentID)
}

func TestApply_WeightedAverageOnIncrease(t *testing.T) {
	t.Parallel()

	rows, r := fold(DefaultOptions(),
		ev("1", model.SideBuy, 100, 10, 0),
		ev("2", model.SideBuy, 50, 16, 1),
	)

	assert.False(t, rows[1].Outcome.RealizedPnL.Valid)
	assertDec(t, 50, rows[1].Outcome.OpenedQuantity, "opened")
	assertDec(t, 12, r.State().AvgEntryPrice.Decimal, "avg")
	assertDec(t, 150, r.State().SignedQuantity, "qty")
	assertDec(t, 1800, r.State().CostBasis, "cost basis")
}

func TestApply_ShortCoverAndFlipToLong(t *testing.T) {
	t.Parallel()

	rows, r := fold(DefaultOptions(),
		ev("1", model.SideSell, 10, 50, 0),
		ev("2", model.SideBuy, 4, 40, 1),
		ev("3", model.SideBuy, 10, 45, 2),
	)

	assert.Equal(t, model.Short, rows[0].State.Direction)
	assertDec(t, 50, rows[0].State.AvgEntryPrice.Decimal, "short avg")
	assertDec(t, -500, rows[0].Outcome.CashDelta, "short open cash")

	assertDec(t, 40, rows[1].Outcome.RealizedPnL.Decimal, "cover realized")
	assertDec(t, 240, rows[1].Outcome.CashDelta, "cover cash")

	flip := rows[2].Outcome
	assert.True(t, flip.Flip)
	assertDec(t, 6, flip.ClosedQuantity, "closed")
	assertDec(t, 4, flip.OpenedQuantity, "opened")
	assertDec(t, 30, flip.RealizedPnL.Decimal, "flip realized")
	assertDec(t, 150, flip.CashDelta, "flip cash")
	assert.Equal(t, int64(1), flip.ClosedSegmentID)
	assertDec(t, 70, flip.ClosedSegmentPnL.Decimal, "segment pnl")

	st := r.State()
	assert.Equal(t, model.Long, st.Direction)
	assertDec(t, 4, st.SignedQuantity, "qty")
	assertDec(t, 45, st.AvgEntryPrice.Decimal, "avg")
	assert.Equal(t, int64(2), st.SegmentID)
	assertDec(t, 70, st.CumulativeRealizedPnL, "cumulative")
	assertDec(t, -110, r.CashFlow(), "cash flow")
}

func TestApply_CloseToFlatKeepsSegment(t *testing.T) {
	t.Parallel()

	rows, _ := fold(DefaultOptions(),
		ev("1", model.SideBuy, 10, 5, 0),
		ev("2", model.SideSell, 10, 6, 1),
		ev("3", model.SideBuy, 1, 7, 2),
	)

	flat := rows[1]
	assert.Equal(t, model.Flat, flat.State.Direction)
	assert.False(t, flat.State.AvgEntryPrice.Valid)
	assert.True(t, flat.State.CostBasis.IsZero())
	assert.Equal(t, int64(1), flat.State.SegmentID)
	assert.Equal(t, int64(1), flat.Outcome.ClosedSegmentID)
	assertDec(t, 10, flat.Outcome.ClosedSegmentPnL.Decimal, "segment pnl")
	assert.True(t, flat.Outcome.ClosedSegmentAt.Equal(t0))

	reopened := rows[2].State
	assert.Equal(t, int64(2), reopened.SegmentID)
	assert.True(t, reopened.SegmentRealizedPnL.IsZero())
	assertDec(t, 10, reopened.CumulativeRealizedPnL, "cumulative")
	assertDec(t, 7, reopened.AvgEntryPrice.Decimal, "avg")
}

func TestApply_ClampsOversellWhenShortingDisabled(t *testing.T) {
	t.Parallel()

	rows, r := fold(Options{AllowShort: false},
		ev("1", model.SideBuy, 10, 5, 0),
		ev("2", model.SideSell, 15, 6, 1),
		ev("3", model.SideSell, 5, 6, 2),
	)

	over := rows[1]
	assert.True(t, over.Outcome.Clamped)
	assert.NotEmpty(t, over.Warning)
	assertDec(t, 10, over.Outcome.ClosedQuantity, "closed")
	assertDec(t, 10, over.Outcome.RealizedPnL.Decimal, "realized")
	assert.True(t, over.State.SignedQuantity.IsZero())

	flat := rows[2]
	assert.True(t, flat.Outcome.Clamped)
	assert.False(t, flat.Outcome.RealizedPnL.Valid)
	assert.True(t, flat.State.SignedQuantity.IsZero())
	assert.Equal(t, int64(3), flat.State.EventCount)

	require.Len(t, r.Warnings(), 2)
	assertDec(t, 15, r.Warnings()[0].Requested, "requested")
	assertDec(t, 10, r.Warnings()[0].Held, "held")
	assert.Contains(t, r.Warnings()[0].Error(), "clamped")
}

func TestApply_ShortAllowedByDefault(t *testing.T) {
	t.Parallel()

	rows, _ := fold(DefaultOptions(), ev("1", model.SideSell, 3, 20, 0))
	assert.False(t, rows[0].Outcome.Clamped)
	assertDec(t, -3, rows[0].State.SignedQuantity, "qty")
}

func sampleEvents() []model.TradeEvent {
	return []model.TradeEvent{
		ev("01", model.SideBuy, 100, 10, 0),
		ev("02", model.SideBuy, 50, 16, 1),
		ev("03", model.SideSell, 40, 15, 2),
		ev("04", model.SideSell, 200, 12.5, 3),
		ev("05", model.SideSell, 10, 13, 4),
		ev("06", model.SideBuy, 30, 11.75, 5),
		ev("07", model.SideBuy, 70, 9.3, 6),
		ev("08", model.SideBuy, 33, 9.9, 6),
		ev("09", model.SideSell, 33, 10.1, 7),
		ev("10", model.SideSell, 7, 10.7, 8),
		ev("11", model.SideBuy, 1, 3, 9),
		ev("12", model.SideSell, 1, 4, 10),
	}
}

func TestReconstruct_Idempotent(t *testing.T) {
	t.Parallel()

	a, ra := fold(DefaultOptions(), sampleEvents()...)
	b, rb := fold(DefaultOptions(), sampleEvents()...)

	assert.Equal(t, canonical(a), canonical(b))
	assert.Equal(t, canonical(ra.State()), canonical(rb.State()))
}

func TestReconstruct_ResumeMatchesGenesisAtEverySplit(t *testing.T) {
	t.Parallel()

	events := sampleEvents()
	genesis, full := fold(DefaultOptions(), events...)

	for k := 0; k <= len(events); k++ {
		t.Run(fmt.Sprintf("split_%d", k), func(t *testing.T) {
			_, head := Reconstruct(key, events[:k], nil, DefaultOptions())
			cp := head.Checkpoint("cp", t0)

			tail, resumed := Reconstruct(key, events[k:], &cp, DefaultOptions())

			require.Len(t, tail, len(events)-k)
			for i := range tail {
				assert.Equal(t, canonical(genesis[k+i]), canonical(tail[i]), "row %d", k+i)
			}
			assert.Equal(t, canonical(full.State()), canonical(resumed.State()))
			assert.True(t, full.CashFlow().Equal(resumed.CashFlow()))
		})
	}
}

func TestReconstruct_ConservationWithoutFlips(t *testing.T) {
	t.Parallel()

	events := []model.TradeEvent{
		ev("1", model.SideBuy, 10, 100, 0),
		ev("2", model.SideBuy, 5, 110, 1),
		ev("3", model.SideSell, 8, 120, 2),
		ev("4", model.SideBuy, 3, 90, 3),
		ev("5", model.SideSell, 10, 95, 4),
	}
	rows, r := fold(DefaultOptions(), events...)

	net := decimal.Zero
	realized := decimal.Zero
	for _, row := range rows {
		assert.False(t, row.Outcome.Flip)
		net = net.Add(row.Event.SignedQuantity())
		if row.Outcome.RealizedPnL.Valid {
			realized = realized.Add(row.Outcome.RealizedPnL.Decimal)
		}
	}
	assert.True(t, net.Equal(r.State().SignedQuantity))
	assert.True(t, realized.Equal(r.State().CumulativeRealizedPnL))
	assert.True(t, r.State().SignedQuantity.IsZero())
}

func TestUnrealizedAndPositionValue(t *testing.T) {
	t.Parallel()

	_, long := fold(DefaultOptions(), ev("1", model.SideBuy, 10, 5, 0))
	assertDec(t, 20, Unrealized(long.State(), d(7)), "long unrealized")
	assertDec(t, 70, PositionValue(long.State(), d(7)), "long value")
	assertDec(t, 70, MarketValue(long.State(), d(7)), "long market value")

	_, short := fold(DefaultOptions(), ev("1", model.SideSell, 10, 50, 0))
	assertDec(t, 100, Unrealized(short.State(), d(40)), "short unrealized")
	assertDec(t, 600, PositionValue(short.State(), d(40)), "short value")
	assertDec(t, 400, MarketValue(short.State(), d(40)), "short market value")

	flat := New(key, DefaultOptions()).State()
	assert.True(t, Unrealized(flat, d(99)).IsZero())
	assert.True(t, PositionValue(flat, d(99)).IsZero())
}

func TestReconstructAll_MatchesSerial(t *testing.T) {
	t.Parallel()

	groups := map[model.PositionKey][]model.TradeEvent{}
	for i := 0; i < 8; i++ {
		k := model.PositionKey{PortfolioID: "p1", InstrumentID: fmt.Sprintf("SYM%d", i)}
		var evs []model.TradeEvent
		for _, e := range sampleEvents() {
			e.InstrumentID = k.InstrumentID
			e.Price = e.Price.Add(decimal.NewFromInt(int64(i)))
			evs = append(evs, e)
		}
		groups[k] = evs
	}
	idle := model.PositionKey{PortfolioID: "p1", InstrumentID: "IDLE"}
	seeds := map[model.PositionKey]model.Checkpoint{
		idle: {State: model.PositionState{PortfolioID: "p1", InstrumentID: "IDLE", SignedQuantity: d(5)}, CashFlow: d(-50)},
	}

	results, err := ReconstructAll(context.Background(), groups, seeds, DefaultOptions(), 3)
	require.NoError(t, err)
	require.Len(t, results, 9)

	for k, evs := range groups {
		rows, r := Reconstruct(k, evs, nil, DefaultOptions())
		assert.Equal(t, canonical(rows), canonical(results[k].Rows))
		assert.Equal(t, canonical(r.State()), canonical(results[k].Final))
	}
	assert.True(t, results[idle].Resumed)
	assertDec(t, -50, results[idle].CashFlow, "idle cash flow")
}

func TestReconstructAll_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	groups := map[model.PositionKey][]model.TradeEvent{key: sampleEvents()}
	_, err := ReconstructAll(ctx, groups, nil, DefaultOptions(), 2)
	assert.ErrorIs(t, err, context.Canceled)
}

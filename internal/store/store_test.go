package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

func at(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

// backends runs fn against every Store that needs no external service.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "ledger.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func seedLedger(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	recs := []model.LedgerRecord{
		{ID: "t3", PortfolioID: "p1", InstrumentID: "AAPL", Side: "sell", Status: "EXECUTED", Quantity: nd("5"), Price: nd("12"), Timestamp: at(3, 10)},
		{ID: "t1", PortfolioID: "p1", InstrumentID: "AAPL", Side: "buy", Status: "EXECUTED", Quantity: nd("10"), Price: nd("10"), Timestamp: at(1, 10)},
		{ID: "t2", PortfolioID: "p1", InstrumentID: "MSFT", Side: "buy", Status: "executed", Quantity: nd("2"), Price: nd("300"), Timestamp: at(1, 10)},
		{ID: "t4", PortfolioID: "p1", InstrumentID: "AAPL", Side: "buy", Status: "OPEN", Quantity: nd("1"), Price: nd("9"), Timestamp: at(4, 10)},
		{ID: "t5", PortfolioID: "p2", InstrumentID: "AAPL", Side: "buy", Status: "EXECUTED", Quantity: nd("1"), Price: nd("9"), Timestamp: at(2, 10)},
		{ID: "t6", PortfolioID: "p1", InstrumentID: "TSLA", Side: "buy", Status: "EXECUTED", Price: nd("200"), Timestamp: at(5, 10)},
	}
	for i := range recs {
		if err := s.AppendTrade(ctx, &recs[i]); err != nil {
			t.Fatalf("append %s: %v", recs[i].ID, err)
		}
	}
}

func ids(recs []model.LedgerRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFetchExecutedTrades(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		seedLedger(t, s)
		ctx := context.Background()

		got, err := s.FetchExecutedTrades(ctx, TradeQuery{PortfolioID: "p1"})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if want := []string{"t1", "t2", "t3", "t6"}; !equalStrings(ids(got), want) {
			t.Fatalf("ids = %v, want %v", ids(got), want)
		}
		if !got[0].Quantity.Decimal.Equal(d("10")) || !got[0].Timestamp.Equal(at(1, 10)) {
			t.Errorf("t1 round trip = %+v", got[0])
		}
		if got[3].Quantity.Valid {
			t.Errorf("t6 quantity should stay null, got %v", got[3].Quantity)
		}

		got, _ = s.FetchExecutedTrades(ctx, TradeQuery{PortfolioID: "p1", InstrumentID: "AAPL", Since: at(3, 10)})
		if want := []string{"t3"}; !equalStrings(ids(got), want) {
			t.Errorf("since ids = %v, want %v", ids(got), want)
		}

		got, _ = s.FetchExecutedTrades(ctx, TradeQuery{PortfolioID: "p1", Exclude: []string{"AAPL", "TSLA"}})
		if want := []string{"t2"}; !equalStrings(ids(got), want) {
			t.Errorf("exclude ids = %v, want %v", ids(got), want)
		}
	})
}

func TestAppendTrade_Duplicate(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		seedLedger(t, s)
		dup := model.LedgerRecord{ID: "t1", PortfolioID: "p1", InstrumentID: "AAPL", Side: "buy", Status: "EXECUTED", Timestamp: at(9, 0)}
		err := s.AppendTrade(context.Background(), &dup)
		if !errors.Is(err, ErrDuplicateTrade) {
			t.Fatalf("expected ErrDuplicateTrade, got %v", err)
		}
	})
}

func TestCloses(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		price, err := s.LatestPrice(ctx, "AAPL")
		if err != nil || price.Valid {
			t.Fatalf("empty latest price = %v, %v", price, err)
		}

		s.SaveClose(ctx, "AAPL", at(2, 0), d("101"))
		s.SaveClose(ctx, "AAPL", at(1, 0), d("100"))
		s.SaveClose(ctx, "AAPL", at(3, 16), d("102.5"))
		s.SaveClose(ctx, "AAPL", at(2, 0), d("101.25"))

		price, _ = s.LatestPrice(ctx, "AAPL")
		if !price.Valid || !price.Decimal.Equal(d("102.5")) {
			t.Errorf("latest = %v, want 102.5", price)
		}

		c, _ := s.HistoricalClose(ctx, "AAPL", at(2, 18))
		if !c.Valid || !c.Decimal.Equal(d("101.25")) {
			t.Errorf("close on day 2 = %v, want upserted 101.25", c)
		}
		c, _ = s.HistoricalClose(ctx, "AAPL", at(9, 0))
		if c.Valid {
			t.Errorf("close on missing day should be null, got %v", c)
		}

		series, err := s.HistoricalCloses(ctx, "AAPL", at(2, 0), time.Time{})
		if err != nil {
			t.Fatalf("closes: %v", err)
		}
		if len(series) != 2 {
			t.Fatalf("expected 2 closes, got %d", len(series))
		}
		if !series[0].Date.Equal(at(2, 0)) || !series[1].Value.Equal(d("102.5")) {
			t.Errorf("series = %+v", series)
		}
	})
}

func TestPortfolio(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetPortfolio(ctx, "p1")
		if !errors.Is(err, ErrPortfolioNotFound) {
			t.Fatalf("expected ErrPortfolioNotFound, got %v", err)
		}

		s.SavePortfolio(ctx, &model.Portfolio{ID: "p1", AccountBalance: d("5000"), InitialCapital: nd("6000")})
		s.SavePortfolio(ctx, &model.Portfolio{ID: "p2", AccountBalance: d("10")})

		p, err := s.GetPortfolio(ctx, "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !p.AccountBalance.Equal(d("5000")) || !p.InitialCapital.Valid || !p.InitialCapital.Decimal.Equal(d("6000")) {
			t.Errorf("p1 = %+v", p)
		}
		p, _ = s.GetPortfolio(ctx, "p2")
		if p.InitialCapital.Valid {
			t.Errorf("p2 initial capital should be null, got %v", p.InitialCapital)
		}
	})
}

func TestPendingOrders(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, o := range []model.PendingOrder{
			{ID: "o1", PortfolioID: "p1", InstrumentID: "AAPL", Side: "buy", Status: "OPEN", Quantity: d("5"), Price: d("9"), CreatedAt: at(1, 0)},
			{ID: "o2", PortfolioID: "p1", InstrumentID: "MSFT", Side: "buy", Status: "partial", Quantity: d("1"), Price: d("20"), CreatedAt: at(1, 0)},
			{ID: "o3", PortfolioID: "p1", InstrumentID: "AAPL", Side: "buy", Status: "CANCELLED", Quantity: d("5"), Price: d("9"), CreatedAt: at(1, 0)},
			{ID: "o4", PortfolioID: "p2", InstrumentID: "AAPL", Side: "buy", Status: "OPEN", Quantity: d("5"), Price: d("9"), CreatedAt: at(1, 0)},
		} {
			if err := s.SavePendingOrder(ctx, &o); err != nil {
				t.Fatalf("save %s: %v", o.ID, err)
			}
		}

		orders, err := s.PendingOrders(ctx, "p1")
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(orders) != 2 || orders[0].ID != "o1" || orders[1].ID != "o2" {
			t.Fatalf("orders = %+v", orders)
		}
		if !orders[0].Price.Equal(d("9")) {
			t.Errorf("o1 price = %s", orders[0].Price)
		}
	})
}

func TestInstruments(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.SaveInstrument(ctx, &model.Instrument{ID: "AAPL", AssetClass: "Equity", Sector: "Technology", MarketCap: "High"})

		got, err := s.Instruments(ctx, []string{"AAPL", "ZZZ"})
		if err != nil {
			t.Fatalf("instruments: %v", err)
		}
		if len(got) != 1 || got["AAPL"].Sector != "Technology" {
			t.Errorf("instruments = %+v", got)
		}

		got, _ = s.Instruments(ctx, nil)
		if len(got) != 0 {
			t.Errorf("nil ids should give empty map, got %+v", got)
		}
	})
}

func TestCheckpoints(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cp := model.Checkpoint{
			ID: "cp-1",
			State: model.PositionState{
				PortfolioID:    "p1",
				InstrumentID:   "AAPL",
				SignedQuantity: d("5"),
				Direction:      model.Long,
				AvgEntryPrice:  nd("10"),
				SegmentID:      1,
				LastEventID:    "t3",
				LastEventAt:    at(3, 10),
				EventCount:     2,
			},
			CashFlow:  d("-40"),
			CreatedAt: at(4, 0),
		}
		if err := s.SaveCheckpoint(ctx, &cp); err != nil {
			t.Fatalf("save: %v", err)
		}
		cp.ID = "cp-2"
		cp.State.EventCount = 3
		if err := s.SaveCheckpoint(ctx, &cp); err != nil {
			t.Fatalf("replace: %v", err)
		}

		got, err := s.LoadCheckpoints(ctx, "p1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 checkpoint, got %d", len(got))
		}
		c := got["AAPL"]
		if c.ID != "cp-2" || c.State.EventCount != 3 || !c.CashFlow.Equal(d("-40")) {
			t.Errorf("checkpoint = %+v", c)
		}
		if !c.State.LastEventAt.Equal(at(3, 10)) || !c.State.AvgEntryPrice.Decimal.Equal(d("10")) {
			t.Errorf("state round trip = %+v", c.State)
		}

		got, _ = s.LoadCheckpoints(ctx, "p2")
		if len(got) != 0 {
			t.Errorf("p2 should have no checkpoints, got %d", len(got))
		}
	})
}

func TestDailyValues(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.RecordDailyValue(ctx, "p1", model.DailyValue{Date: at(3, 16), Value: d("1100")})
		s.RecordDailyValue(ctx, "p1", model.DailyValue{Date: at(1, 16), Value: d("1000")})
		s.RecordDailyValue(ctx, "p1", model.DailyValue{Date: at(2, 16), Value: d("900")})
		s.RecordDailyValue(ctx, "p1", model.DailyValue{Date: at(2, 20), Value: d("950")})

		all, err := s.DailyValues(ctx, "p1", time.Time{}, time.Time{})
		if err != nil {
			t.Fatalf("values: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 values, got %d", len(all))
		}
		if !all[0].Date.Equal(at(1, 0)) || !all[1].Value.Equal(d("950")) {
			t.Errorf("values = %+v", all)
		}

		window, _ := s.DailyValues(ctx, "p1", at(2, 0), at(2, 23))
		if len(window) != 1 || !window[0].Value.Equal(d("950")) {
			t.Errorf("window = %+v", window)
		}
	})
}

func TestSQLite_CorruptDecimals(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cp := model.Checkpoint{
		ID:        "cp-1",
		State:     model.PositionState{PortfolioID: "p1", InstrumentID: "AAPL", SignedQuantity: d("5")},
		CashFlow:  d("-40"),
		CreatedAt: at(4, 0),
	}
	if err := s.SaveCheckpoint(ctx, &cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.RecordDailyValue(ctx, "p1", model.DailyValue{Date: at(1, 0), Value: d("1000")}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET cash_flow = 'garbage'`); err != nil {
		t.Fatalf("corrupt checkpoint: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE daily_values SET value = '1,000'`); err != nil {
		t.Fatalf("corrupt daily value: %v", err)
	}

	if _, err := s.LoadCheckpoints(ctx, "p1"); err == nil {
		t.Error("expected an error for an unparseable cash flow")
	}
	if _, err := s.DailyValues(ctx, "p1", time.Time{}, time.Time{}); err == nil {
		t.Error("expected an error for an unparseable daily value")
	}
}

// Package analytics orchestrates ledger reads, position reconstruction and
// the portfolio views built on top of it, and serves them over HTTP.
//
// All monetary values use shopspring/decimal, never float64.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/aggregate"
	"github.com/atmx/portfolio-engine/internal/instrument"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/logger"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/position"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/tradestats"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// ErrInvalidTrade is returned when a submitted trade fails validation.
var ErrInvalidTrade = errors.New("analytics: invalid trade")

// Options configures a Service.
type Options struct {
	Workers    int
	AllowShort bool
	// Checkpoint resumes current-state queries from stored checkpoints and
	// saves a fresh one per instrument after each fold.
	Checkpoint bool
	Benchmark  string
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns shorts allowed, checkpointing on, SPY benchmark.
func DefaultOptions() Options {
	return Options{
		Workers:    runtime.GOMAXPROCS(0),
		AllowShort: true,
		Checkpoint: true,
		Benchmark:  "SPY",
	}
}

// Service answers portfolio queries from a Store. Reads are safe for
// concurrent use; trade ingestion is serialized and excludes checkpoint
// resumption so a refold never races a stale checkpoint write.
type Service struct {
	store store.Store
	opts  Options
	mu    sync.RWMutex
}

// NewService creates a new analytics service.
func NewService(st store.Store, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Benchmark == "" {
		opts.Benchmark = "SPY"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: st, opts: opts}
}

// Benchmark returns the configured benchmark instrument.
func (s *Service) Benchmark() string { return s.opts.Benchmark }

func (s *Service) foldOptions() position.Options {
	return position.Options{AllowShort: s.opts.AllowShort}
}

// --- Reconstruction ---

// Reconstruction is the folded state of one portfolio.
type Reconstruction struct {
	PortfolioID string
	Results     map[model.PositionKey]*position.Result
	Dropped     []*ledger.DataQualityError
	Skipped     int
}

// Rows returns every produced row ordered by (timestamp, id).
func (r *Reconstruction) Rows() []model.PositionRow {
	var rows []model.PositionRow
	for _, res := range r.Results {
		rows = append(rows, res.Rows...)
	}
	sort.SliceStable(rows, func(i, j int) bool { return ledger.Less(rows[i].Event, rows[j].Event) })
	return rows
}

// States returns the final state of every timeline ordered by instrument.
func (r *Reconstruction) States() []model.PositionState {
	states := make([]model.PositionState, 0, len(r.Results))
	for _, res := range r.Results {
		states = append(states, res.Final)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].InstrumentID < states[j].InstrumentID })
	return states
}

// CashFlow sums the cash effect of every folded event.
func (r *Reconstruction) CashFlow() decimal.Decimal {
	total := decimal.Zero
	for _, res := range r.Results {
		total = total.Add(res.CashFlow)
	}
	return total
}

// Warnings returns the reconciliation warnings raised during the fold.
func (r *Reconstruction) Warnings() []*position.ReconciliationWarning {
	var out []*position.ReconciliationWarning
	for _, res := range r.Results {
		out = append(out, res.Warnings...)
	}
	return out
}

// Reconstruct folds the portfolio from genesis. An empty instrumentID folds
// every instrument.
func (s *Service) Reconstruct(ctx context.Context, portfolioID, instrumentID string) (*Reconstruction, error) {
	start := time.Now()
	records, err := s.store.FetchExecutedTrades(ctx, store.TradeQuery{
		PortfolioID:  portfolioID,
		InstrumentID: instrumentID,
	})
	if err != nil {
		return nil, err
	}
	norm := s.normalize(ctx, records)

	results, err := position.ReconstructAll(ctx, norm.Groups, nil, s.foldOptions(), s.opts.Workers)
	if err != nil {
		return nil, err
	}
	rec := &Reconstruction{PortfolioID: portfolioID, Results: results, Dropped: norm.Dropped, Skipped: norm.Skipped}
	s.observe(ctx, rec, "genesis", start)
	return rec, nil
}

// current folds the portfolio up to its latest event, resuming from stored
// checkpoints when enabled. Rows only cover events after each checkpoint.
func (s *Service) current(ctx context.Context, portfolioID string) (*Reconstruction, error) {
	if !s.opts.Checkpoint {
		return s.Reconstruct(ctx, portfolioID, "")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	cps, err := s.store.LoadCheckpoints(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	groups := make(map[model.PositionKey][]model.TradeEvent)
	seeds := make(map[model.PositionKey]model.Checkpoint, len(cps))
	var dropped []*ledger.DataQualityError
	skipped := 0
	exclude := make([]string, 0, len(cps))

	for instrumentID, cp := range cps {
		key := model.PositionKey{PortfolioID: portfolioID, InstrumentID: instrumentID}
		seeds[key] = cp
		exclude = append(exclude, instrumentID)

		records, err := s.store.FetchExecutedTrades(ctx, store.TradeQuery{
			PortfolioID:  portfolioID,
			InstrumentID: instrumentID,
			Since:        cp.State.LastEventAt,
		})
		if err != nil {
			return nil, err
		}
		norm := s.normalize(ctx, records)
		dropped = append(dropped, norm.Dropped...)
		skipped += norm.Skipped
		groups[key] = ledger.After(norm.Groups[key], cp.State.LastEventAt, cp.State.LastEventID)
	}
	metrics.CheckpointResults.WithLabelValues("hit").Add(float64(len(cps)))

	sort.Strings(exclude)
	records, err := s.store.FetchExecutedTrades(ctx, store.TradeQuery{
		PortfolioID: portfolioID,
		Exclude:     exclude,
	})
	if err != nil {
		return nil, err
	}
	norm := s.normalize(ctx, records)
	dropped = append(dropped, norm.Dropped...)
	skipped += norm.Skipped
	for key, evs := range norm.Groups {
		groups[key] = evs
	}
	metrics.CheckpointResults.WithLabelValues("miss").Add(float64(len(norm.Groups)))

	results, err := position.ReconstructAll(ctx, groups, seeds, s.foldOptions(), s.opts.Workers)
	if err != nil {
		return nil, err
	}
	rec := &Reconstruction{PortfolioID: portfolioID, Results: results, Dropped: dropped, Skipped: skipped}
	s.observe(ctx, rec, "resumed", start)
	s.saveCheckpoints(ctx, rec)
	return rec, nil
}

func (s *Service) normalize(ctx context.Context, records []model.LedgerRecord) *ledger.Result {
	norm := ledger.Normalize(records)
	for _, dq := range norm.Dropped {
		metrics.DataQualityDrops.WithLabelValues(dq.Field).Inc()
		slog.Warn("dropped malformed ledger record", append(logger.Attrs(ctx),
			"record", dq.RecordID,
			"instrument", dq.InstrumentID,
			"field", dq.Field,
			"reason", dq.Reason,
		)...)
	}
	return norm
}

func (s *Service) observe(ctx context.Context, rec *Reconstruction, mode string, start time.Time) {
	events := 0
	for _, res := range rec.Results {
		events += len(res.Rows)
	}
	metrics.EventsFolded.WithLabelValues(mode).Add(float64(events))
	metrics.ReconstructionLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	for _, w := range rec.Warnings() {
		metrics.ReconciliationWarnings.Inc()
		slog.Warn("sell clamped to held quantity", append(logger.Attrs(ctx),
			"event", w.EventID,
			"instrument", w.InstrumentID,
			"requested", w.Requested.String(),
			"held", w.Held.String(),
		)...)
	}
	slog.Debug("portfolio reconstructed", append(logger.Attrs(ctx),
		"mode", mode,
		"instruments", len(rec.Results),
		"events", events,
		"dropped", len(rec.Dropped),
	)...)
}

func (s *Service) saveCheckpoints(ctx context.Context, rec *Reconstruction) {
	now := s.opts.Now().UTC()
	for _, res := range rec.Results {
		if len(res.Rows) == 0 {
			continue
		}
		cp := model.Checkpoint{
			ID:        uuid.NewString(),
			State:     res.Final,
			CashFlow:  res.CashFlow,
			CreatedAt: now,
		}
		if err := s.store.SaveCheckpoint(ctx, &cp); err != nil {
			slog.Error("save checkpoint failed", append(logger.Attrs(ctx),
				"instrument", res.Key.InstrumentID, "err", err)...)
		}
	}
}

// --- Queries ---

// Positions returns the currently open positions ordered by instrument.
func (s *Service) Positions(ctx context.Context, portfolioID string) ([]model.PositionState, error) {
	rec, err := s.current(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	open := []model.PositionState{}
	for _, st := range rec.States() {
		if st.IsOpen() {
			open = append(open, st)
		}
	}
	return open, nil
}

// History returns the per-event rows of one instrument from genesis.
func (s *Service) History(ctx context.Context, portfolioID, instrumentID string) ([]model.PositionRow, error) {
	rec, err := s.Reconstruct(ctx, portfolioID, instrumentID)
	if err != nil {
		return nil, err
	}
	rows := rec.Rows()
	if rows == nil {
		rows = []model.PositionRow{}
	}
	return rows, nil
}

// portfolio loads metadata. A portfolio without a metadata row is treated
// as a zero balance with no initial capital.
func (s *Service) portfolio(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if errors.Is(err, store.ErrPortfolioNotFound) {
		slog.Warn("portfolio has no metadata, initial capital unset", logger.Attrs(ctx)...)
		return &model.Portfolio{ID: portfolioID}, nil
	}
	return p, err
}

// Snapshot builds the current portfolio rollup and records today's account
// value when initial capital is known.
func (s *Service) Snapshot(ctx context.Context, portfolioID string) (model.PortfolioSnapshot, error) {
	rec, err := s.current(ctx, portfolioID)
	if err != nil {
		return model.PortfolioSnapshot{}, err
	}
	p, err := s.portfolio(ctx, portfolioID)
	if err != nil {
		return model.PortfolioSnapshot{}, err
	}
	orders, err := s.store.PendingOrders(ctx, portfolioID)
	if err != nil {
		return model.PortfolioSnapshot{}, err
	}

	states := rec.States()
	var ids []string
	prices := make(map[string]decimal.NullDecimal)
	for _, st := range states {
		if !st.IsOpen() {
			continue
		}
		ids = append(ids, st.InstrumentID)
		price, err := s.store.LatestPrice(ctx, st.InstrumentID)
		if err != nil {
			return model.PortfolioSnapshot{}, err
		}
		prices[st.InstrumentID] = price
	}
	insts, err := s.store.Instruments(ctx, ids)
	if err != nil {
		return model.PortfolioSnapshot{}, err
	}

	now := s.opts.Now().UTC()
	snap := aggregate.Snapshot(aggregate.Input{
		PortfolioID:    portfolioID,
		AsOf:           now,
		States:         states,
		Prices:         prices,
		Instruments:    insts,
		AccountBalance: p.AccountBalance,
		InitialCapital: p.InitialCapital,
		PendingOrders:  orders,
		CashFlow:       rec.CashFlow(),
	})
	metrics.OpenPositions.WithLabelValues(portfolioID).Set(float64(len(snap.Holdings)))

	if snap.AccountValue.Valid {
		v := model.DailyValue{Date: valuation.StartOfDay(now), Value: snap.AccountValue.Decimal}
		if err := s.store.RecordDailyValue(ctx, portfolioID, v); err != nil {
			slog.Error("record daily value failed", append(logger.Attrs(ctx), "err", err)...)
		}
	}
	if len(snap.UnpricedInstruments) > 0 {
		slog.Warn("holdings marked at entry price", append(logger.Attrs(ctx),
			"instruments", strings.Join(snap.UnpricedInstruments, ","))...)
	}
	return snap, nil
}

// Stats computes trade statistics from a genesis fold. Drawdown uses the
// recorded daily values, or a replay over trading days when none exist.
func (s *Service) Stats(ctx context.Context, portfolioID string) (model.TradeStats, error) {
	rec, err := s.Reconstruct(ctx, portfolioID, "")
	if err != nil {
		return model.TradeStats{}, err
	}
	rows := rec.Rows()

	values, err := s.store.DailyValues(ctx, portfolioID, time.Time{}, time.Time{})
	if err != nil {
		return model.TradeStats{}, err
	}
	if len(values) == 0 && len(rows) > 0 {
		dates := make([]time.Time, 0, len(rows))
		for _, r := range rows {
			dates = append(dates, r.Event.Timestamp)
		}
		values, err = s.replay(ctx, portfolioID, rows, dates)
		if err != nil {
			return model.TradeStats{}, err
		}
	}

	p, err := s.portfolio(ctx, portfolioID)
	if err != nil {
		return model.TradeStats{}, err
	}
	var open []string
	for _, st := range rec.States() {
		if st.IsOpen() {
			open = append(open, st.InstrumentID)
		}
	}
	insts, err := s.store.Instruments(ctx, open)
	if err != nil {
		return model.TradeStats{}, err
	}
	classes := make(map[string]string, len(open))
	for id, inst := range instrument.ClassifyAll(open, insts) {
		classes[id] = inst.AssetClass
	}

	st := tradestats.Compute(tradestats.Input{
		PortfolioID:    portfolioID,
		Rows:           rows,
		Values:         values,
		InitialCapital: p.InitialCapital,
		AssetClasses:   classes,
	})
	st.YTDRealizedPnL = aggregate.YTDRealized(rows, s.opts.Now())
	return st, nil
}

// replay values the portfolio on each date from historical closes. It
// returns nil when initial capital is unset.
func (s *Service) replay(ctx context.Context, portfolioID string, rows []model.PositionRow, dates []time.Time) ([]model.DailyValue, error) {
	p, err := s.portfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if !p.InitialCapital.Valid || len(dates) == 0 {
		return nil, nil
	}

	from, to := dates[0], dates[0]
	for _, dt := range dates {
		if dt.Before(from) {
			from = dt
		}
		if dt.After(to) {
			to = dt
		}
	}
	closes := valuation.Closes{}
	for _, id := range valuation.Instruments(rows) {
		series, err := s.store.HistoricalCloses(ctx, id, from, to)
		if err != nil {
			return nil, err
		}
		for _, c := range series {
			closes.Set(id, c.Date, c.Value)
		}
	}
	return valuation.Replay(valuation.ReplayInput{
		Rows:           rows,
		Dates:          dates,
		Closes:         closes,
		InitialCapital: p.InitialCapital.Decimal,
	}), nil
}

// Returns is the portfolio's return series and its comparison with the
// benchmark over [From, To].
type Returns struct {
	PortfolioID string                `json:"portfolio_id"`
	Benchmark   string                `json:"benchmark"`
	From        time.Time             `json:"from,omitempty"`
	To          time.Time             `json:"to,omitempty"`
	Portfolio   []model.ReturnPoint   `json:"portfolio"`
	Comparison  []model.ComparisonRow `json:"comparison"`
}

// Returns compares portfolio value against the benchmark close. Zero from
// or to leaves that side open. Without recorded daily values the portfolio
// is replayed on the benchmark's trading days.
func (s *Service) Returns(ctx context.Context, portfolioID string, from, to time.Time) (*Returns, error) {
	bench, err := s.store.HistoricalCloses(ctx, s.opts.Benchmark, from, to)
	if err != nil {
		return nil, err
	}
	values, err := s.store.DailyValues(ctx, portfolioID, from, to)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		rec, err := s.Reconstruct(ctx, portfolioID, "")
		if err != nil {
			return nil, err
		}
		dates := make([]time.Time, 0, len(bench))
		for _, b := range bench {
			dates = append(dates, b.Date)
		}
		values, err = s.replay(ctx, portfolioID, rec.Rows(), dates)
		if err != nil {
			return nil, err
		}
	}

	out := &Returns{
		PortfolioID: portfolioID,
		Benchmark:   s.opts.Benchmark,
		From:        from,
		To:          to,
		Portfolio:   aggregate.CumulativeReturns(values),
		Comparison:  valuation.Compare(values, bench),
	}
	if out.Portfolio == nil {
		out.Portfolio = []model.ReturnPoint{}
	}
	if out.Comparison == nil {
		out.Comparison = []model.ComparisonRow{}
	}
	return out, nil
}

// Chart renders the benchmark comparison as a PNG.
func (s *Service) Chart(ctx context.Context, w io.Writer, portfolioID string, from, to time.Time) error {
	ret, err := s.Returns(ctx, portfolioID, from, to)
	if err != nil {
		return err
	}
	return valuation.RenderComparison(w, ret.Comparison, ret.Benchmark)
}

// --- Ingestion ---

// TradeRequest is a trade to append to the ledger.
type TradeRequest struct {
	ID           string          `json:"id,omitempty"` // generated when empty
	InstrumentID string          `json:"instrument_id"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp,omitempty"` // now when zero
}

// TradeResponse echoes the stored trade and the row it produced.
type TradeResponse struct {
	TradeID string             `json:"trade_id"`
	Row     *model.PositionRow `json:"row,omitempty"`
}

// RecordTrade validates req, appends it as an executed trade and returns
// the position row it produced.
func (s *Service) RecordTrade(ctx context.Context, portfolioID string, req TradeRequest) (*TradeResponse, error) {
	rec, err := s.ledgerRecord(portfolioID, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(ctx, rec); err != nil {
		return nil, err
	}
	folded, err := s.refold(ctx, portfolioID, rec.InstrumentID)
	if err != nil {
		return nil, err
	}

	resp := &TradeResponse{TradeID: rec.ID}
	rows := folded.Rows()
	for i := range rows {
		if rows[i].Event.ID == rec.ID {
			resp.Row = &rows[i]
			break
		}
	}
	return resp, nil
}

// ImportResult summarises a batch import.
type ImportResult struct {
	Imported    int      `json:"imported"`
	Duplicates  int      `json:"duplicates"`
	Instruments []string `json:"instruments"`
}

// Import appends a batch of trades, skipping ids that already exist, then
// refolds the touched instruments once. Validation fails the whole batch
// before anything is written.
func (s *Service) Import(ctx context.Context, portfolioID string, reqs []TradeRequest) (*ImportResult, error) {
	recs := make([]*model.LedgerRecord, 0, len(reqs))
	for i, req := range reqs {
		rec, err := s.ledgerRecord(portfolioID, req)
		if err != nil {
			return nil, fmt.Errorf("trade %d: %w", i+1, err)
		}
		recs = append(recs, rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &ImportResult{}
	touched := map[string]bool{}
	for _, rec := range recs {
		err := s.append(ctx, rec)
		if errors.Is(err, store.ErrDuplicateTrade) {
			res.Duplicates++
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Imported++
		touched[rec.InstrumentID] = true
	}
	for id := range touched {
		res.Instruments = append(res.Instruments, id)
	}
	sort.Strings(res.Instruments)

	for _, id := range res.Instruments {
		if _, err := s.refold(ctx, portfolioID, id); err != nil {
			return nil, err
		}
	}
	slog.Info("trades imported", append(logger.Attrs(ctx),
		"imported", res.Imported, "duplicates", res.Duplicates)...)
	return res, nil
}

func (s *Service) ledgerRecord(portfolioID string, req TradeRequest) (*model.LedgerRecord, error) {
	if strings.TrimSpace(portfolioID) == "" {
		return nil, fmt.Errorf("%w: portfolio id is required", ErrInvalidTrade)
	}
	instrumentID, err := instrument.Normalize(req.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	side, ok := ledger.ParseSide(req.Side)
	if !ok {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidTrade)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidTrade)
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidTrade)
	}

	ts := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		ts = s.opts.Now().UTC()
	}
	if ts.Before(time.Unix(0, 0)) {
		return nil, fmt.Errorf("%w: timestamp must not be before 1970", ErrInvalidTrade)
	}
	id := req.ID
	if id == "" {
		// DefaultEntropy is monotonic, so ids minted in the same
		// millisecond still sort in insertion order.
		u, err := ulid.New(ulid.Timestamp(ts), ulid.DefaultEntropy())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
		}
		id = u.String()
	}
	return &model.LedgerRecord{
		ID:           id,
		PortfolioID:  portfolioID,
		InstrumentID: instrumentID,
		Side:         string(side),
		Status:       model.StatusExecuted,
		Quantity:     decimal.NewNullDecimal(req.Quantity),
		Price:        decimal.NewNullDecimal(req.Price),
		Timestamp:    ts,
	}, nil
}

func (s *Service) append(ctx context.Context, rec *model.LedgerRecord) error {
	if err := s.store.AppendTrade(ctx, rec); err != nil {
		return err
	}
	metrics.TradesIngested.WithLabelValues(rec.Side).Inc()
	slog.Info("trade recorded", append(logger.Attrs(ctx),
		"trade_id", rec.ID,
		"instrument", rec.InstrumentID,
		"side", rec.Side,
		"qty", rec.Quantity.Decimal.String(),
		"price", rec.Price.Decimal.String(),
	)...)
	return nil
}

// refold rebuilds one instrument from genesis and replaces its checkpoint,
// so a backdated trade never leaves a stale checkpoint behind.
func (s *Service) refold(ctx context.Context, portfolioID, instrumentID string) (*Reconstruction, error) {
	rec, err := s.Reconstruct(ctx, portfolioID, instrumentID)
	if err != nil {
		return nil, err
	}
	if s.opts.Checkpoint {
		s.saveCheckpoints(ctx, rec)
	}
	return rec, nil
}

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	ledger      []model.LedgerRecord
	tradeIDs    map[string]bool
	portfolios  map[string]model.Portfolio
	orders      map[string]map[string]model.PendingOrder // portfolio → order id
	instruments map[string]model.Instrument
	closes      map[string]map[string]model.DailyValue // instrument → day
	checkpoints map[string]map[string]model.Checkpoint // portfolio → instrument
	values      map[string]map[string]model.DailyValue // portfolio → day
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tradeIDs:    make(map[string]bool),
		portfolios:  make(map[string]model.Portfolio),
		orders:      make(map[string]map[string]model.PendingOrder),
		instruments: make(map[string]model.Instrument),
		closes:      make(map[string]map[string]model.DailyValue),
		checkpoints: make(map[string]map[string]model.Checkpoint),
		values:      make(map[string]map[string]model.DailyValue),
	}
}

// --- Ledger ---

func (s *MemoryStore) FetchExecutedTrades(_ context.Context, q TradeQuery) ([]model.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerRecord
	for _, rec := range s.ledger {
		switch {
		case rec.PortfolioID != q.PortfolioID:
		case q.InstrumentID != "" && rec.InstrumentID != q.InstrumentID:
		case !strings.EqualFold(rec.Status, model.StatusExecuted):
		case rec.Timestamp.Before(q.Since):
		case slices.Contains(q.Exclude, rec.InstrumentID):
		default:
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, rec *model.LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tradeIDs[rec.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, rec.ID)
	}
	s.tradeIDs[rec.ID] = true
	s.ledger = append(s.ledger, *rec)
	return nil
}

// --- Prices ---

func (s *MemoryStore) LatestPrice(_ context.Context, instrumentID string) (decimal.NullDecimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.DailyValue
	for _, v := range s.closes[instrumentID] {
		if latest == nil || v.Date.After(latest.Date) {
			latest = &v
		}
	}
	if latest == nil {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NewNullDecimal(latest.Value), nil
}

func (s *MemoryStore) HistoricalClose(_ context.Context, instrumentID string, day time.Time) (decimal.NullDecimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.closes[instrumentID][dayKey(day)]; ok {
		return decimal.NewNullDecimal(v.Value), nil
	}
	return decimal.NullDecimal{}, nil
}

func (s *MemoryStore) HistoricalCloses(_ context.Context, instrumentID string, from, to time.Time) ([]model.DailyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return inRange(s.closes[instrumentID], from, to), nil
}

func (s *MemoryStore) SaveClose(_ context.Context, instrumentID string, day time.Time, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.closes[instrumentID]
	if !ok {
		m = make(map[string]model.DailyValue)
		s.closes[instrumentID] = m
	}
	m[dayKey(day)] = model.DailyValue{Date: dayOf(day), Value: price}
	return nil
}

// --- Portfolio metadata ---

func (s *MemoryStore) GetPortfolio(_ context.Context, portfolioID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[portfolioID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, portfolioID)
	}
	return &p, nil
}

func (s *MemoryStore) SavePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.portfolios[p.ID] = *p
	return nil
}

func (s *MemoryStore) PendingOrders(_ context.Context, portfolioID string) ([]model.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PendingOrder
	for _, o := range s.orders[portfolioID] {
		if isPending(strings.ToUpper(o.Status)) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SavePendingOrder(_ context.Context, o *model.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.orders[o.PortfolioID]
	if !ok {
		m = make(map[string]model.PendingOrder)
		s.orders[o.PortfolioID] = m
	}
	m[o.ID] = *o
	return nil
}

func (s *MemoryStore) Instruments(_ context.Context, ids []string) (map[string]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Instrument, len(ids))
	for _, id := range ids {
		if inst, ok := s.instruments[id]; ok {
			out[id] = inst
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instruments[inst.ID] = *inst
	return nil
}

// --- Checkpoints ---

func (s *MemoryStore) LoadCheckpoints(_ context.Context, portfolioID string) (map[string]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Checkpoint, len(s.checkpoints[portfolioID]))
	for k, cp := range s.checkpoints[portfolioID] {
		out[k] = cp
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.checkpoints[cp.State.PortfolioID]
	if !ok {
		m = make(map[string]model.Checkpoint)
		s.checkpoints[cp.State.PortfolioID] = m
	}
	m[cp.State.InstrumentID] = *cp
	return nil
}

// --- Daily account values ---

func (s *MemoryStore) DailyValues(_ context.Context, portfolioID string, from, to time.Time) ([]model.DailyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return inRange(s.values[portfolioID], from, to), nil
}

func (s *MemoryStore) RecordDailyValue(_ context.Context, portfolioID string, v model.DailyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.values[portfolioID]
	if !ok {
		m = make(map[string]model.DailyValue)
		s.values[portfolioID] = m
	}
	m[dayKey(v.Date)] = model.DailyValue{Date: dayOf(v.Date), Value: v.Value}
	return nil
}

func inRange(m map[string]model.DailyValue, from, to time.Time) []model.DailyValue {
	lo, hi := dayOf(from), dayOf(to)
	var out []model.DailyValue
	for _, v := range m {
		if !from.IsZero() && v.Date.Before(lo) {
			continue
		}
		if !to.IsZero() && v.Date.After(hi) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// latest prices, portfolio metadata, instruments and checkpoints. Writes go
// to the primary first, then refresh or invalidate the cached copy. Ledger
// reads are never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Ledger (passthrough) ---

func (s *CachedStore) FetchExecutedTrades(ctx context.Context, q TradeQuery) ([]model.LedgerRecord, error) {
	return s.primary.FetchExecutedTrades(ctx, q)
}

func (s *CachedStore) AppendTrade(ctx context.Context, rec *model.LedgerRecord) error {
	return s.primary.AppendTrade(ctx, rec)
}

// --- Prices ---

func (s *CachedStore) LatestPrice(ctx context.Context, instrumentID string) (decimal.NullDecimal, error) {
	raw, err := s.rdb.Get(ctx, priceKey(instrumentID)).Result()
	if err == nil {
		if d, err := decimal.NewFromString(raw); err == nil {
			return decimal.NewNullDecimal(d), nil
		}
	}

	price, err := s.primary.LatestPrice(ctx, instrumentID)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	// Missing prices are not cached so a later close shows up immediately.
	if price.Valid {
		s.rdb.Set(ctx, priceKey(instrumentID), price.Decimal.String(), s.ttl)
	}
	return price, nil
}

func (s *CachedStore) HistoricalClose(ctx context.Context, instrumentID string, day time.Time) (decimal.NullDecimal, error) {
	return s.primary.HistoricalClose(ctx, instrumentID, day)
}

func (s *CachedStore) HistoricalCloses(ctx context.Context, instrumentID string, from, to time.Time) ([]model.DailyValue, error) {
	return s.primary.HistoricalCloses(ctx, instrumentID, from, to)
}

func (s *CachedStore) SaveClose(ctx context.Context, instrumentID string, day time.Time, price decimal.Decimal) error {
	if err := s.primary.SaveClose(ctx, instrumentID, day, price); err != nil {
		return err
	}
	s.rdb.Del(ctx, priceKey(instrumentID))
	return nil
}

// --- Portfolio metadata ---

func (s *CachedStore) GetPortfolio(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(portfolioID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, portfolioKey(portfolioID), p)
	return p, nil
}

func (s *CachedStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.SavePortfolio(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, portfolioKey(p.ID))
	return nil
}

func (s *CachedStore) PendingOrders(ctx context.Context, portfolioID string) ([]model.PendingOrder, error) {
	return s.primary.PendingOrders(ctx, portfolioID)
}

func (s *CachedStore) SavePendingOrder(ctx context.Context, o *model.PendingOrder) error {
	return s.primary.SavePendingOrder(ctx, o)
}

func (s *CachedStore) Instruments(ctx context.Context, ids []string) (map[string]model.Instrument, error) {
	out := make(map[string]model.Instrument, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instrumentKey(id)
	}
	var missing []string
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		missing = ids
	} else {
		for i, v := range vals {
			raw, ok := v.(string)
			var inst model.Instrument
			if !ok || json.Unmarshal([]byte(raw), &inst) != nil {
				missing = append(missing, ids[i])
				continue
			}
			out[ids[i]] = inst
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := s.primary.Instruments(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, inst := range fetched {
		out[id] = inst
		s.cacheJSON(ctx, instrumentKey(id), inst)
	}
	return out, nil
}

func (s *CachedStore) SaveInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.SaveInstrument(ctx, inst); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentKey(inst.ID))
	return nil
}

// --- Checkpoints ---

// LoadCheckpoints reads the portfolio's checkpoint hash, falling back to
// the primary when the hash is absent or unreadable.
func (s *CachedStore) LoadCheckpoints(ctx context.Context, portfolioID string) (map[string]model.Checkpoint, error) {
	fields, err := s.rdb.HGetAll(ctx, checkpointsKey(portfolioID)).Result()
	if err == nil && len(fields) > 0 {
		out := make(map[string]model.Checkpoint, len(fields))
		ok := true
		for instrumentID, raw := range fields {
			var cp model.Checkpoint
			if json.Unmarshal([]byte(raw), &cp) != nil {
				ok = false
				break
			}
			out[instrumentID] = cp
		}
		if ok {
			return out, nil
		}
	}

	out, err := s.primary.LoadCheckpoints(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		pipe := s.rdb.Pipeline()
		for instrumentID, cp := range out {
			if b, err := json.Marshal(cp); err == nil {
				pipe.HSet(ctx, checkpointsKey(portfolioID), instrumentID, string(b))
			}
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, checkpointsKey(portfolioID), s.ttl)
		}
		_, _ = pipe.Exec(ctx)
	}
	return out, nil
}

func (s *CachedStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	if err := s.primary.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	// A partial hash would hide checkpoints that only the primary has.
	key := checkpointsKey(cp.State.PortfolioID)
	if n, err := s.rdb.Exists(ctx, key).Result(); err != nil || n == 0 {
		return nil
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, cp.State.InstrumentID, string(b))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.rdb.Del(ctx, key)
	}
	return nil
}

// --- Daily account values (passthrough) ---

func (s *CachedStore) DailyValues(ctx context.Context, portfolioID string, from, to time.Time) ([]model.DailyValue, error) {
	return s.primary.DailyValues(ctx, portfolioID, from, to)
}

func (s *CachedStore) RecordDailyValue(ctx context.Context, portfolioID string, v model.DailyValue) error {
	return s.primary.RecordDailyValue(ctx, portfolioID, v)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func priceKey(id string) string       { return fmt.Sprintf("price:%s", id) }
func portfolioKey(id string) string   { return fmt.Sprintf("portfolio:%s", id) }
func instrumentKey(id string) string  { return fmt.Sprintf("instrument:%s", id) }
func checkpointsKey(id string) string { return fmt.Sprintf("checkpoints:%s", id) }

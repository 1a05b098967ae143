// Package ledger turns raw ledger records into the canonical, totally ordered
// event streams consumed by position reconstruction.
//
// Ordering is (timestamp ascending, id ascending) within each
// (portfolio, instrument) group, so fills sharing a timestamp always fold in
// the same order.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atmx/portfolio-engine/internal/model"
)

// DataQualityError describes a ledger record that was dropped because it
// could not be turned into a valid TradeEvent. It is a diagnostic, never fatal.
type DataQualityError struct {
	RecordID     string
	PortfolioID  string
	InstrumentID string
	Field        string
	Reason       string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("ledger: record %s (%s/%s): %s %s",
		e.RecordID, e.PortfolioID, e.InstrumentID, e.Field, e.Reason)
}

// Result is the output of Normalize.
type Result struct {
	// Groups holds one ordered event sequence per (portfolio, instrument).
	Groups map[model.PositionKey][]model.TradeEvent
	// Keys lists the group keys in deterministic order.
	Keys []model.PositionKey
	// Dropped lists malformed records.
	Dropped []*DataQualityError
	// Skipped counts well-formed records that are not executed trades
	// (open orders, cancellations, deposits).
	Skipped int
}

// Events returns the total number of valid events across all groups.
func (r *Result) Events() int {
	n := 0
	for _, evs := range r.Groups {
		n += len(evs)
	}
	return n
}

// ParseSide maps a raw side string to a trade side. Matching is
// case-insensitive and ignores surrounding whitespace.
func ParseSide(raw string) (model.Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return model.SideBuy, true
	case "sell":
		return model.SideSell, true
	}
	return "", false
}

// Normalize validates, filters, groups and orders raw ledger records.
func Normalize(records []model.LedgerRecord) *Result {
	res := &Result{Groups: make(map[model.PositionKey][]model.TradeEvent)}

	for _, rec := range records {
		if !strings.EqualFold(strings.TrimSpace(rec.Status), model.StatusExecuted) {
			res.Skipped++
			continue
		}
		side, ok := ParseSide(rec.Side)
		if !ok {
			res.Skipped++
			continue
		}

		if dq := validate(rec); dq != nil {
			res.Dropped = append(res.Dropped, dq)
			continue
		}

		ev := model.TradeEvent{
			ID:           rec.ID,
			PortfolioID:  rec.PortfolioID,
			InstrumentID: rec.InstrumentID,
			Side:         side,
			Quantity:     rec.Quantity.Decimal,
			Price:        rec.Price.Decimal,
			Timestamp:    rec.Timestamp.UTC(),
		}
		key := model.PositionKey{PortfolioID: ev.PortfolioID, InstrumentID: ev.InstrumentID}
		res.Groups[key] = append(res.Groups[key], ev)
	}

	for key, evs := range res.Groups {
		Sort(evs)
		res.Keys = append(res.Keys, key)
	}
	sort.Slice(res.Keys, func(i, j int) bool {
		a, b := res.Keys[i], res.Keys[j]
		if a.PortfolioID != b.PortfolioID {
			return a.PortfolioID < b.PortfolioID
		}
		return a.InstrumentID < b.InstrumentID
	})
	return res
}

func validate(rec model.LedgerRecord) *DataQualityError {
	dq := func(field, reason string) *DataQualityError {
		return &DataQualityError{
			RecordID:     rec.ID,
			PortfolioID:  rec.PortfolioID,
			InstrumentID: rec.InstrumentID,
			Field:        field,
			Reason:       reason,
		}
	}
	switch {
	case rec.ID == "":
		return dq("id", "is missing")
	case rec.PortfolioID == "":
		return dq("portfolio_id", "is missing")
	case rec.InstrumentID == "":
		return dq("instrument_id", "is missing")
	case rec.Timestamp.IsZero():
		return dq("timestamp", "is missing")
	case !rec.Quantity.Valid:
		return dq("quantity", "is missing")
	case !rec.Quantity.Decimal.IsPositive():
		return dq("quantity", "must be positive")
	case !rec.Price.Valid:
		return dq("price", "is missing")
	case rec.Price.Decimal.IsNegative():
		return dq("price", "is negative")
	}
	return nil
}

// Less reports whether a orders before b: timestamp first, then id.
func Less(a, b model.TradeEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Sort orders events in place by (timestamp, id).
func Sort(events []model.TradeEvent) {
	sort.SliceStable(events, func(i, j int) bool { return Less(events[i], events[j]) })
}

// After returns the suffix of an ordered sequence that strictly follows the
// position (at, id). Used to drop events already folded into a checkpoint.
func After(events []model.TradeEvent, at time.Time, id string) []model.TradeEvent {
	mark := model.TradeEvent{ID: id, Timestamp: at}
	i := sort.Search(len(events), func(i int) bool { return Less(mark, events[i]) })
	return events[i:]
}

// Group buckets already-validated events by position key and orders each
// bucket. Input order does not matter.
func Group(events []model.TradeEvent) map[model.PositionKey][]model.TradeEvent {
	groups := make(map[model.PositionKey][]model.TradeEvent)
	for _, ev := range events {
		key := model.PositionKey{PortfolioID: ev.PortfolioID, InstrumentID: ev.InstrumentID}
		groups[key] = append(groups[key], ev)
	}
	for _, evs := range groups {
		Sort(evs)
	}
	return groups
}

package cli

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/analytics"
	"github.com/atmx/portfolio-engine/internal/instrument"
	"github.com/atmx/portfolio-engine/internal/model"
)

// Header aliases accepted by the trade import. Keys are lowercased and
// trimmed before lookup.
var tradeColumns = map[string]string{
	"id":            "id",
	"trade_id":      "id",
	"ticker":        "instrument",
	"symbol":        "instrument",
	"instrument":    "instrument",
	"tvid":          "instrument",
	"tv_id":         "instrument",
	"side":          "side",
	"price":         "price",
	"entryprice":    "price",
	"entry_price":   "price",
	"quantity":      "quantity",
	"quantity buy":  "quantity",
	"qty":           "quantity",
	"date":          "date",
	"cts":           "date",
	"mts":           "date",
	"entrydate":     "date",
	"timestamp":     "date",
	"asset_type":    "asset_class",
	"assetclass":    "asset_class",
	"asset_class":   "asset_class",
	"market_cap":    "market_cap",
	"market cap":    "market_cap",
	"industry":      "industry",
	"sector":        "sector",
	"close":         "close",
	"closing_price": "close",
	"adj close":     "close",
}

// Month-first layouts are tried before day-first ones.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.DateOnly,
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// TradeFile is a parsed trade CSV.
type TradeFile struct {
	Trades      []analytics.TradeRequest
	Instruments []model.Instrument
}

// ParseTrades reads a trade CSV. Rows without an id column get a ULID
// derived from the portfolio and the row contents, so re-importing the same
// file, in any row order, is reported as duplicates instead of doubling the
// ledger. Byte-identical rows are told apart by how often they repeat.
func ParseTrades(r io.Reader, portfolioID string) (*TradeFile, error) {
	header, rows, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	cols := columnIndex(header)
	for _, c := range []string{"instrument", "side", "price", "quantity", "date"} {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("trade csv: missing %s column", c)
		}
	}

	out := &TradeFile{}
	seen := map[string]bool{}
	occurrences := map[string]int{}
	for i, row := range rows {
		line := i + 2
		get := func(c string) string {
			if j, ok := cols[c]; ok && j < len(row) {
				return strings.TrimSpace(row[j])
			}
			return ""
		}

		qty, err := decimal.NewFromString(get("quantity"))
		if err != nil {
			return nil, fmt.Errorf("trade csv line %d: quantity: %w", line, err)
		}
		price, err := decimal.NewFromString(get("price"))
		if err != nil {
			return nil, fmt.Errorf("trade csv line %d: price: %w", line, err)
		}
		ts, err := parseDate(get("date"))
		if err != nil {
			return nil, fmt.Errorf("trade csv line %d: %w", line, err)
		}

		req := analytics.TradeRequest{
			ID:           get("id"),
			InstrumentID: get("instrument"),
			Side:         get("side"),
			Quantity:     qty,
			Price:        price,
			Timestamp:    ts,
		}
		if req.ID == "" {
			key := rowKey(portfolioID, row)
			req.ID, err = rowID(key, occurrences[key], ts)
			if err != nil {
				return nil, fmt.Errorf("trade csv line %d: %w", line, err)
			}
			occurrences[key]++
		}
		out.Trades = append(out.Trades, req)

		inst, ok := rowInstrument(get)
		if ok && !seen[inst.ID] {
			seen[inst.ID] = true
			out.Instruments = append(out.Instruments, inst)
		}
	}
	return out, nil
}

// CloseRow is one parsed daily close.
type CloseRow struct {
	InstrumentID string
	Day          time.Time
	Close        decimal.Decimal
}

// ParseCloses reads a CSV of (instrument, date, close) rows. When the file
// has no instrument column every row belongs to defaultInstrument.
func ParseCloses(r io.Reader, defaultInstrument string) ([]CloseRow, error) {
	header, rows, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	cols := columnIndex(header)
	for _, c := range []string{"date", "close"} {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("close csv: missing %s column", c)
		}
	}
	_, hasInstrument := cols["instrument"]
	if !hasInstrument && defaultInstrument == "" {
		return nil, errors.New("close csv: no instrument column and no --instrument given")
	}

	out := make([]CloseRow, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		get := func(c string) string {
			if j, ok := cols[c]; ok && j < len(row) {
				return strings.TrimSpace(row[j])
			}
			return ""
		}
		id := defaultInstrument
		if hasInstrument {
			id = get("instrument")
		}
		id, err := instrument.Normalize(id)
		if err != nil {
			return nil, fmt.Errorf("close csv line %d: %w", line, err)
		}
		day, err := parseDate(get("date"))
		if err != nil {
			return nil, fmt.Errorf("close csv line %d: %w", line, err)
		}
		price, err := decimal.NewFromString(get("close"))
		if err != nil {
			return nil, fmt.Errorf("close csv line %d: close: %w", line, err)
		}
		out = append(out, CloseRow{InstrumentID: id, Day: day, Close: price})
	}
	return out, nil
}

func readCSV(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, errors.New("csv: empty file")
	}
	return records[0], records[1:], nil
}

func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if c, ok := tradeColumns[h]; ok {
			if _, dup := cols[c]; !dup {
				cols[c] = i
			}
		}
	}
	return cols
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("date is empty")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func rowKey(portfolioID string, row []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00", portfolioID)
	for _, f := range row {
		h.Write([]byte(strings.TrimSpace(f)))
		h.Write([]byte{0})
	}
	return string(h.Sum(nil))
}

func rowID(key string, occurrence int, ts time.Time) (string, error) {
	if ts.Before(time.Unix(0, 0)) {
		return "", fmt.Errorf("date %s is before 1970", ts.Format(time.DateOnly))
	}
	entropy := []byte(key)
	if occurrence > 0 {
		sum := sha256.Sum256(fmt.Appendf(entropy, "\x00%d", occurrence))
		entropy = sum[:]
	}
	id, err := ulid.New(ulid.Timestamp(ts), bytes.NewReader(entropy))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func rowInstrument(get func(string) string) (model.Instrument, bool) {
	class, sector, industry, mcap := get("asset_class"), get("sector"), get("industry"), get("market_cap")
	if class == "" && sector == "" && industry == "" && mcap == "" {
		return model.Instrument{}, false
	}
	id, err := instrument.Normalize(get("instrument"))
	if err != nil {
		return model.Instrument{}, false
	}
	if class == "" {
		class = instrument.Classify(id, nil).AssetClass
	}
	return model.Instrument{
		ID:         id,
		AssetClass: class,
		Sector:     sector,
		Industry:   industry,
		MarketCap:  mcap,
	}, true
}

// Package instrument handles instrument symbol parsing, validation, and
// classification for diversification when metadata is missing.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Asset classes.
const (
	ClassEquity       = "Equity"
	ClassETF          = "ETF"
	ClassCrypto       = "Crypto"
	ClassFixedIncome  = "Fixed Income"
	ClassCommodity    = "Commodity"
	ClassUnclassified = "Unclassified"
)

// Market-cap buckets.
const (
	CapHigh = "High"
	CapMid  = "Mid"
	CapLow  = "Low"
)

// symbolRegex matches: [{EXCHANGE}:]{TICKER}[-{QUOTE}]
// Examples: AAPL, NASDAQ:AAPL, BRK.B, BINANCE:BTC-USD
var symbolRegex = regexp.MustCompile(
	`^(?:([A-Z]{2,10}):)?([A-Z0-9]{1,10}(?:\.[A-Z])?)(?:-([A-Z]{3,4}))?$`,
)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrEmptySymbol   = errors.New("instrument: symbol is empty")
)

// Symbol is a parsed instrument identifier.
type Symbol struct {
	Raw      string `json:"raw"`
	Exchange string `json:"exchange,omitempty"`
	Ticker   string `json:"ticker"`
	Quote    string `json:"quote,omitempty"`
}

// ParseSymbol normalises and validates an instrument identifier.
// Format: [{EXCHANGE}:]{TICKER}[-{QUOTE}], case-insensitive.
func ParseSymbol(raw string) (*Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return nil, ErrEmptySymbol
	}
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected [EXCHANGE:]TICKER[-QUOTE])", ErrInvalidSymbol, raw)
	}
	return &Symbol{
		Raw:      s,
		Exchange: matches[1],
		Ticker:   matches[2],
		Quote:    matches[3],
	}, nil
}

// Normalize returns the canonical upper-case form of an identifier, or an
// error if it does not parse.
func Normalize(raw string) (string, error) {
	sym, err := ParseSymbol(raw)
	if err != nil {
		return "", err
	}
	return sym.Raw, nil
}

// defaults classifies well-known tickers when the metadata store has no row.
var defaults = map[string]model.Instrument{
	"AAPL":  {AssetClass: ClassEquity, Sector: "Technology", Industry: "Consumer Electronics", MarketCap: CapHigh},
	"MSFT":  {AssetClass: ClassEquity, Sector: "Technology", Industry: "Software", MarketCap: CapHigh},
	"NVDA":  {AssetClass: ClassEquity, Sector: "Technology", Industry: "Semiconductors", MarketCap: CapHigh},
	"AMD":   {AssetClass: ClassEquity, Sector: "Technology", Industry: "Semiconductors", MarketCap: CapHigh},
	"GOOGL": {AssetClass: ClassEquity, Sector: "Communication Services", Industry: "Internet Content", MarketCap: CapHigh},
	"META":  {AssetClass: ClassEquity, Sector: "Communication Services", Industry: "Internet Content", MarketCap: CapHigh},
	"AMZN":  {AssetClass: ClassEquity, Sector: "Consumer Cyclical", Industry: "Internet Retail", MarketCap: CapHigh},
	"TSLA":  {AssetClass: ClassEquity, Sector: "Consumer Cyclical", Industry: "Auto Manufacturers", MarketCap: CapHigh},
	"JPM":   {AssetClass: ClassEquity, Sector: "Financial Services", Industry: "Banks", MarketCap: CapHigh},
	"XOM":   {AssetClass: ClassEquity, Sector: "Energy", Industry: "Oil & Gas", MarketCap: CapHigh},
	"PLTR":  {AssetClass: ClassEquity, Sector: "Technology", Industry: "Software", MarketCap: CapMid},
	"SOFI":  {AssetClass: ClassEquity, Sector: "Financial Services", Industry: "Credit Services", MarketCap: CapLow},
	"SPY":   {AssetClass: ClassETF},
	"QQQ":   {AssetClass: ClassETF},
	"VOO":   {AssetClass: ClassETF},
	"IWM":   {AssetClass: ClassETF},
	"TLT":   {AssetClass: ClassFixedIncome},
	"BND":   {AssetClass: ClassFixedIncome},
	"GLD":   {AssetClass: ClassCommodity},
	"SLV":   {AssetClass: ClassCommodity},
	"BTC":   {AssetClass: ClassCrypto},
	"ETH":   {AssetClass: ClassCrypto},
	"SOL":   {AssetClass: ClassCrypto},
}

// Classify returns metadata for id. Stored metadata wins; otherwise the
// built-in table is consulted by ticker; otherwise the instrument is
// Unclassified.
func Classify(id string, stored map[string]model.Instrument) model.Instrument {
	if inst, ok := stored[id]; ok && inst.AssetClass != "" {
		inst.ID = id
		return inst
	}
	out := model.Instrument{ID: id, AssetClass: ClassUnclassified}
	sym, err := ParseSymbol(id)
	if err != nil {
		return out
	}
	if inst, ok := defaults[sym.Ticker]; ok {
		inst.ID = id
		return inst
	}
	return out
}

// ClassifyAll resolves every id in ids.
func ClassifyAll(ids []string, stored map[string]model.Instrument) map[string]model.Instrument {
	out := make(map[string]model.Instrument, len(ids))
	for _, id := range ids {
		out[id] = Classify(id, stored)
	}
	return out
}

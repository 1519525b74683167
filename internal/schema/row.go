// Package schema defines the wire-facing data model for the spread feed.
package schema

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadfeed/errs"
)

// LimitAll is the sentinel limit value meaning no row ceiling.
const LimitAll = "all"

// QuoteRow is one validated cross-exchange spread quote from the feed.
//
// Prices and spread stay in their wire string form; consumers that need
// arithmetic parse them through the decimal helpers so precision is never
// lost to a float round-trip.
type QuoteRow struct {
	Token     string  `json:"token"`
	Network   Network `json:"network"`
	AExchange string  `json:"aExchange"`
	BExchange string  `json:"bExchange"`
	PriceA    string  `json:"priceA"`
	PriceB    string  `json:"priceB"`
	Spread    string  `json:"spread"`
	Limit     string  `json:"limit"`
}

// NormalizeSymbol trims surrounding whitespace and upper-cases a token symbol.
func NormalizeSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Validate ensures every required field survived normalization non-empty.
func (r QuoteRow) Validate() error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"token", r.Token},
		{"network", string(r.Network)},
		{"aExchange", r.AExchange},
		{"bExchange", r.BExchange},
		{"priceA", r.PriceA},
		{"priceB", r.PriceB},
		{"spread", r.Spread},
		{"limit", r.Limit},
	} {
		if strings.TrimSpace(field.value) == "" {
			return errs.New("schema/row", errs.CodeInvalidRow, errs.WithMessage("missing required field"), errs.WithField("field", field.name))
		}
	}
	if r.Token != NormalizeSymbol(r.Token) {
		return errs.New("schema/row", errs.CodeInvalidRow, errs.WithMessage("token not normalized"), errs.WithField("token", r.Token))
	}
	return nil
}

// ParsePrices returns both venue prices as decimals.
func (r QuoteRow) ParsePrices() (priceA, priceB decimal.Decimal, err error) {
	priceA, err = decimal.NewFromString(strings.TrimSpace(r.PriceA))
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, errs.New("schema/price", errs.CodeInvalidRow, errs.WithMessage("priceA not decimal"), errs.WithCause(err))
	}
	priceB, err = decimal.NewFromString(strings.TrimSpace(r.PriceB))
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, errs.New("schema/price", errs.CodeInvalidRow, errs.WithMessage("priceB not decimal"), errs.WithCause(err))
	}
	return priceA, priceB, nil
}

// LimitCeiling reports the numeric row ceiling, or ok=false for the "all" sentinel.
func (r QuoteRow) LimitCeiling() (int64, bool) {
	trimmed := strings.TrimSpace(r.Limit)
	if strings.EqualFold(trimmed, LimitAll) {
		return 0, false
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

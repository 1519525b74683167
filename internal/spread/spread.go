// Package spread derives cross-venue spread metrics from price quotes.
package spread

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadfeed/errs"
)

// Algorithm selects how a venue quote collapses to a single price.
type Algorithm string

const (
	// AlgorithmLast prices venues by their last trade.
	AlgorithmLast Algorithm = "last"
	// AlgorithmWeighted prices venues by the bid/ask midpoint when both sides are known.
	AlgorithmWeighted Algorithm = "weighted"
)

// Quote is one venue's view of an instrument. Bid and Ask stay null when the
// venue only reports trades.
type Quote struct {
	Source string
	Last   decimal.Decimal
	Bid    decimal.NullDecimal
	Ask    decimal.NullDecimal
}

// Price collapses the quote to a single price under the given algorithm.
// The weighted algorithm needs both book sides; anything less falls back to
// the last trade.
func (q Quote) Price(algo Algorithm) decimal.Decimal {
	if algo == AlgorithmWeighted && q.Bid.Valid && q.Ask.Valid {
		return q.Bid.Decimal.Add(q.Ask.Decimal).Div(two)
	}
	return q.Last
}

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Percent computes the percentage by which priceB exceeds priceA, relative
// to priceA. The result is null when priceA is zero; a spread against a
// zero base is undefined, not infinite.
func Percent(priceA, priceB decimal.Decimal) decimal.NullDecimal {
	if priceA.IsZero() {
		return decimal.NullDecimal{}
	}
	pct := priceB.Sub(priceA).Div(priceA).Mul(hundred)
	return decimal.NullDecimal{Decimal: pct, Valid: true}
}

// PercentStrings parses wire-form prices and computes Percent. Unparseable
// input yields a null result alongside the error.
func PercentStrings(priceA, priceB string) (decimal.NullDecimal, error) {
	a, err := decimal.NewFromString(strings.TrimSpace(priceA))
	if err != nil {
		return decimal.NullDecimal{}, errs.New("spread/percent", errs.CodeInvalid, errs.WithMessage("priceA not decimal"), errs.WithCause(err))
	}
	b, err := decimal.NewFromString(strings.TrimSpace(priceB))
	if err != nil {
		return decimal.NullDecimal{}, errs.New("spread/percent", errs.CodeInvalid, errs.WithMessage("priceB not decimal"), errs.WithCause(err))
	}
	return Percent(a, b), nil
}

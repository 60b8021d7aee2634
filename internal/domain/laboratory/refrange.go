package laboratory

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Range is a closed numeric reference interval.
type Range struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

// ParseRange parses "low-high", accepting a comma as decimal separator and
// a leading minus sign on the low bound.
func ParseRange(s string) (Range, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 3 {
		return Range{}, false
	}
	i := strings.Index(s[1:], "-")
	if i < 0 {
		return Range{}, false
	}
	i++

	low, ok := ParseNumber(s[:i])
	if !ok {
		return Range{}, false
	}
	high, ok := ParseNumber(s[i+1:])
	if !ok {
		return Range{}, false
	}
	return Range{Low: low, High: high}, true
}

// Contains reports whether low <= v <= high.
func (r Range) Contains(v decimal.Decimal) bool {
	return r.Low.LessThanOrEqual(v) && v.LessThanOrEqual(r.High)
}

// ParseNumber parses a decimal value, accepting a comma as separator.
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// OutOfRange reports whether value lies outside the reference range. Any
// value or range that does not parse yields false.
func OutOfRange(reference, value string) bool {
	rng, ok := ParseRange(reference)
	if !ok {
		return false
	}
	v, ok := ParseNumber(value)
	if !ok {
		return false
	}
	return !rng.Contains(v)
}

package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Parsed is the result of reading a loosely typed stored value. Coerced is
// true when Raw could not be understood and Value holds the safe default.
type Parsed[T any] struct {
	Value   T
	Coerced bool
	Raw     string
}

// ParseAmount reads a stored amount. Both "12.50" and "12,50" are accepted;
// anything else becomes zero.
func ParseAmount(raw string) Parsed[decimal.Decimal] {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed[decimal.Decimal]{Value: decimal.Zero, Coerced: true, Raw: raw}
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Parsed[decimal.Decimal]{Value: decimal.Zero, Coerced: true, Raw: raw}
	}
	return Parsed[decimal.Decimal]{Value: d, Raw: raw}
}

// ParseSettled reads a stored settled flag. Only "true", "1" and "yes"
// (any case) are truthy.
func ParseSettled(raw string) Parsed[bool] {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return Parsed[bool]{Value: true, Raw: raw}
	case "false", "0", "no", "":
		return Parsed[bool]{Value: false, Raw: raw}
	default:
		return Parsed[bool]{Value: false, Coerced: true, Raw: raw}
	}
}

// FormatTimestamp renders t in local wall-clock time at second resolution.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// FormatAmount renders an amount with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

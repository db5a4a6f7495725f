// Package core defines the engine's domain records and money handling.
//
// Amounts are held as integer cents to keep aggregation exact; parsing
// accepts the formats carrier messages actually use ("2,500",
// "Ksh12,500.00", "KES 150").
package core

import (
	"strconv"
	"strings"
)

// Money is an amount in cents. All engine arithmetic happens on cents;
// float conversion exists only for display.
type Money struct {
	Cents int64
}

// currencyPrefixes are tokens stripped before numeric conversion.
var currencyPrefixes = []string{"KES", "KSH", "KSHS"}

// ParseAmountToCents converts a carrier-style amount string to cents.
//
// Commas are grouping separators and are stripped ("12,500" -> 1250000).
// An optional currency token prefix is removed case-insensitively. The dot
// is the decimal separator; the third decimal digit rounds half-up.
// Returns ErrInvalidAmount for empty, signed, zero or non-numeric input.
func ParseAmountToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for _, p := range currencyPrefixes {
		if strings.HasPrefix(upper, p) {
			s = strings.TrimSpace(s[len(p):])
			s = strings.TrimPrefix(s, ".")
			break
		}
	}
	if s == "" {
		return 0, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	// Grouping separators carry no information once the string is trimmed.
	s = strings.ReplaceAll(s, ",", "")

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}
	for _, r := range fracPart {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}

	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	const maxSafe = (1<<63 - 1) / 100
	if iv > maxSafe {
		return 0, ErrInvalidAmount
	}

	var fracCents int64
	if len(fracPart) > 0 {
		fracCents = int64(fracPart[0]-'0') * 10
		if len(fracPart) > 1 {
			fracCents += int64(fracPart[1] - '0')
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCents++
			}
		}
	}

	cents := iv*100 + fracCents
	if cents <= 0 {
		return 0, ErrInvalidAmount
	}
	return cents, nil
}

// Shillings returns the amount as a float64 for display purposes only.
func (m Money) Shillings() float64 {
	return float64(m.Cents) / 100.0
}

// Add returns the sum of two amounts.
func (m Money) Add(other Money) Money {
	return Money{Cents: m.Cents + other.Cents}
}

func (m Money) String() string {
	whole := m.Cents / 100
	frac := m.Cents % 100
	if frac < 0 {
		frac = -frac
	}
	return "KES " + strconv.FormatInt(whole, 10) + "." + pad2(frac)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}

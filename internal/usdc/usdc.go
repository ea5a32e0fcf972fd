// Package usdc converts between token units and the decimal strings and
// fiat values invoices are written in. One USDC is 1,000,000 units.
// FromFiat and FormatDisplay convert between the two and
// must stay exact inverses at cent precision, or the fund amount check
// rejects invoices that are actually correct.
package usdc

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// DisplayDecimals is the precision invoices are shown and entered at.
const DisplayDecimals = 2

// Parse reads a plain decimal amount such as "1.50" into token units
// (1500000). An empty string is zero. Signs, exponents and more than one
// decimal point are rejected; digits past the sixth place are dropped.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' }) >= 0 {
		return nil, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	return d.Shift(Decimals).Truncate(0).BigInt(), true
}

// ParseUnits parses a base-10 smallest-unit integer string, the form the
// off-chain record stores token amounts in.
func ParseUnits(s string) (*big.Int, bool) {
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

// Format renders token units with all six places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	return decimal.NewFromBigInt(amount, -Decimals).StringFixed(Decimals)
}

// FromFiat converts a fiat face value to token units, rounding to the
// nearest unit (half away from zero).
func FromFiat(amount float64) *big.Int {
	return decimal.NewFromFloat(amount).Shift(Decimals).Round(0).BigInt()
}

// ToFiat converts token units back to a fiat float.
func ToFiat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(amount, -Decimals).Float64()
	return f
}

// FormatDisplay renders token units at display precision (e.g. "100.00").
func FormatDisplay(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	return decimal.NewFromBigInt(amount, -Decimals).StringFixed(DisplayDecimals)
}

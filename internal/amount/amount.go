// Package amount provides integer money handling for on-chain quantities.
//
// On-chain amounts are carried as *big.Int in the smallest unit (wei) from
// the moment they are decoded until they reach a presentation boundary.
// Conversion to a display currency happens only through a Rate, and display
// values are rounded half away from zero.
package amount

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DisplayPlaces is the number of decimals shown for display-currency values.
const DisplayPlaces = 2

// StoragePlaces is the precision kept when a display-currency total is persisted.
const StoragePlaces = 6

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

// Parse converts a base-10 integer string (optionally signed) into a big.Int.
// Empty input parses as zero. Returns (nil, false) on anything else that is
// not a plain integer.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(), true
	}
	if strings.ContainsAny(s, ".eE") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}

// Coerce is Parse for untrusted payloads: malformed input becomes zero.
func Coerce(s string) *big.Int {
	if v, ok := Parse(s); ok {
		return v
	}
	return Zero()
}

// ParseLoose accepts integers, decimals and exponent notation and floors
// the result to an integer. It is used for counterparties that report
// balances as JSON numbers.
func ParseLoose(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(), true
	}
	if v, ok := Parse(s); ok {
		return v, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	return d.Floor().BigInt(), true
}

// String renders v as a decimal integer string; nil renders as "0".
func String(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Abs returns |v| as a new value.
func Abs(v *big.Int) *big.Int {
	if v == nil {
		return Zero()
	}
	return new(big.Int).Abs(v)
}

// Rate converts smallest on-chain units into a display currency
// (e.g. USD per wei). The zero Rate is "not configured" and converts every
// amount to zero.
type Rate struct {
	perUnit decimal.Decimal
	set     bool
}

// ParseRate parses a decimal conversion rate. An empty string yields an
// unconfigured Rate.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rate{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid conversion rate %q: %w", s, err)
	}
	if d.IsNegative() {
		return Rate{}, fmt.Errorf("conversion rate must not be negative: %s", s)
	}
	return Rate{perUnit: d, set: !d.IsZero()}, nil
}

// MustRate is ParseRate for constants and tests.
func MustRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Configured reports whether a non-zero rate was supplied.
func (r Rate) Configured() bool {
	return r.set
}

// String returns the rate as given, or "" when unconfigured.
func (r Rate) String() string {
	if !r.set {
		return ""
	}
	return r.perUnit.String()
}

// Convert returns v expressed in the display currency without rounding.
func (r Rate) Convert(v *big.Int) decimal.Decimal {
	if !r.set || v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0).Mul(r.perUnit)
}

// Round applies the display rounding rule (half away from zero).
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// FormatMoney renders a display-currency value with two decimals after the
// dollar sign, sign included: "$1234.50", "$-0.75". Values that round to
// zero render as "$0.00".
func FormatMoney(d decimal.Decimal) string {
	return "$" + d.Round(DisplayPlaces).StringFixed(DisplayPlaces)
}

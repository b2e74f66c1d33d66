// Package money holds the fixed-point arithmetic rules shared by the escrow
// and distribution engines. Amounts are shopspring decimals quantized to the
// currency's minor-unit scale with round-half-up; percentages are quantized
// to two decimal places.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount    = errors.New("money: amount must not be negative")
	ErrPercentOutOfRange = errors.New("money: percentage outside [0,100]")
)

// PercentScale is the number of decimal places kept on percentage values.
const PercentScale int32 = 2

// zero-decimal currencies per ISO 4217; everything else uses two.
var zeroScale = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// Scale returns the number of minor-unit decimal places for the currency.
func Scale(currency string) int32 {
	if _, ok := zeroScale[currency]; ok {
		return 0
	}
	return 2
}

// Quantize rounds the amount half-up to the currency's minor-unit scale.
func Quantize(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(Scale(currency))
}

// QuantizeFloor rounds the amount down to the currency's minor-unit scale.
// Apportioning code uses it so the per-recipient cuts never overshoot the
// total being divided.
func QuantizeFloor(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.RoundDown(Scale(currency))
}

// QuantizePercent rounds a percentage value half-up to PercentScale places.
func QuantizePercent(pct decimal.Decimal) decimal.Decimal {
	return pct.Round(PercentScale)
}

// FromSubunits converts a gateway minor-unit integer (e.g. kobo, cents) to a
// major-unit decimal for the currency.
func FromSubunits(n int64, currency string) decimal.Decimal {
	return decimal.New(n, -Scale(currency))
}

// ValidateAmount rejects negative amounts before any persistence happens.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}

// ValidatePercent checks that pct lies inside [0,100].
func ValidatePercent(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: %s", ErrPercentOutOfRange, pct)
	}
	return nil
}

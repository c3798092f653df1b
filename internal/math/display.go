package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ToDisplay converts base units into the nearest float64 display value.
func ToDisplay(units int64) float64 {
	return decimal.New(units, -int32(AmountConfig.DecimalPrecision)).InexactFloat64()
}

// ToBaseUnits converts a display value back into base units, rounding to the
// nearest unit.
func ToBaseUnits(display float64) int64 {
	return decimal.NewFromFloat(display).
		Shift(int32(AmountConfig.DecimalPrecision)).
		Round(0).
		IntPart()
}

// ParseBaseUnits parses a decimal display string ("97000.5") into base units.
// More than six fractional digits is rejected rather than rounded.
func ParseBaseUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	shifted := d.Shift(int32(AmountConfig.DecimalPrecision))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: more than %d decimal places", s, AmountConfig.DecimalPrecision)
	}
	return shifted.IntPart(), nil
}

// FormatUSD renders base units with two decimals, as used in notification text.
func FormatUSD(units int64) string {
	return decimal.New(units, -int32(AmountConfig.DecimalPrecision)).StringFixed(2)
}

// FormatPercent renders a basis-point ratio as a whole or fractional percentage.
func FormatPercent(bps int64) string {
	return decimal.New(bps, -2).String()
}

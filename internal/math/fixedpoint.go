// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// AmountConfig covers prices, quantities, margins and PnL as emitted by the ledger.
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	// RatioConfig covers copy ratios in basis points (10000 = 100%).
	RatioConfig = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // Truncate toward zero
	RoundUp                           // Away from zero
)

// MultiplyInt128 performs a * b without overflowing int64.
// The caller releases the result with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// ErrOverflow is returned when a result does not fit in int64 base units.
var ErrOverflow = errors.New("fixed-point result overflows int64")

// DivideInt128 performs numerator / denominator with the given rounding.
// denominator must be positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// QuoRem truncates toward zero; remainder carries the numerator's sign.
	quotient.QuoRem(numerator, denom, remainder)
	if remainder.Sign() != 0 && roundsAway(quotient, remainder, denom, roundingMode) {
		quotient.Add(quotient, big.NewInt(int64(numerator.Sign())))
	}
	if !quotient.IsInt64() {
		return 0, fmt.Errorf("%w: %s / %d", ErrOverflow, numerator, denominator)
	}
	return quotient.Int64(), nil
}

// roundsAway reports whether a truncated quotient with a non-zero remainder
// must move one unit away from zero.
func roundsAway(quotient, remainder, denom *big.Int, mode RoundingMode) bool {
	switch mode {
	case RoundDown:
		return false
	case RoundUp:
		return true
	default:
		twice := getInt128()
		defer putInt128(twice)
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		switch twice.Cmp(denom) {
		case 1:
			return true
		case 0:
			return quotient.Bit(0) == 1
		}
		return false
	}
}

// ScaleByRatio applies a basis-point ratio to a base-unit amount,
// truncating the fractional remainder: amount * bps / 10000.
func ScaleByRatio(amount, bps int64) (int64, error) {
	product := MultiplyInt128(amount, bps)
	defer putInt128(product)
	return DivideInt128(product, RatioConfig.Scale, RoundDown)
}

// ComputeNotional returns quantity * price in base units of the quote asset.
func ComputeNotional(quantity, price int64) (int64, error) {
	raw := MultiplyInt128(quantity, price)
	defer putInt128(raw)
	return DivideInt128(raw, AmountConfig.Scale, RoundHalfEven)
}

// Package capmath implements capped (saturating) integer arithmetic over
// shopspring/decimal values for fee and reward accounting.
//
// Every amount handled by the proxy is a non-negative integer no larger than
// Max (2^256 - 1, the widest amount either ledger can represent). Operations
// that would leave that range clamp to the nearest bound instead of wrapping,
// so a contribution can never slip past a funding threshold through overflow.
//
// All monetary values use shopspring/decimal; never float64 for money.
package capmath

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// MultiplierDivisor is the denominator for basis-point multipliers.
const MultiplierDivisor = 10000

var (
	// ErrNegativeAmount is returned when an amount below zero is supplied.
	ErrNegativeAmount = errors.New("capmath: amount must not be negative")

	// ErrFractionalAmount is returned when an amount has a fractional part.
	ErrFractionalAmount = errors.New("capmath: amount must be an integer")

	// ErrAmountTooLarge is returned when an amount exceeds Max.
	ErrAmountTooLarge = errors.New("capmath: amount exceeds 2^256-1")

	// Max is the largest representable amount.
	Max = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)), 0)

	divisor = decimal.NewFromInt(MultiplierDivisor)
)

// Validate checks that v is an integer in [0, Max].
func Validate(v decimal.Decimal) error {
	if v.IsNegative() {
		return ErrNegativeAmount
	}
	if !v.Equal(v.Truncate(0)) {
		return ErrFractionalAmount
	}
	if v.GreaterThan(Max) {
		return ErrAmountTooLarge
	}
	return nil
}

// Add returns a + b, capped at Max.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return clamp(a.Add(b))
}

// Sub returns a - b, floored at zero.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return clamp(a.Sub(b))
}

// Mul returns a * b, capped at Max.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return clamp(a.Mul(b))
}

// MulDiv returns floor(a * b / c). A zero divisor yields zero.
// The intermediate product is exact, so no precision is lost before the
// final truncating division.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	if c.IsZero() {
		return decimal.Zero
	}
	q, _ := a.Mul(b).QuoRem(c, 0)
	return clamp(q)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// TotalCost returns base + base*multiplier/MultiplierDivisor with every step
// capped, the amount a side must raise to be fully funded for an appeal.
func TotalCost(base decimal.Decimal, multiplier int64) decimal.Decimal {
	extra, _ := Mul(base, decimal.NewFromInt(multiplier)).QuoRem(divisor, 0)
	return Add(base, extra)
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(Max) {
		return Max
	}
	return v
}

// Package money provides decimal amount handling and the platform fee split.
//
// All monetary values flow through shopspring/decimal and persist as
// NUMERIC(12,2). Floating point never touches a balance.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PlatformFeeRate is the marketplace cut taken from every escrowed payment.
var PlatformFeeRate = decimal.NewFromFloat(0.20)

var (
	ErrNotPositive     = errors.New("amount must be positive")
	ErrTooManyDecimals = errors.New("amount must have at most two decimal places")
)

// Parse converts a string amount into a validated decimal.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// FromCents converts an integer number of cents into a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Validate checks that an amount is positive with at most two decimal places.
func Validate(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNotPositive
	}
	if d.Exponent() < -2 {
		if !d.Equal(d.Round(2)) {
			return ErrTooManyDecimals
		}
	}
	return nil
}

// SplitFee divides an escrowed amount into the platform fee and the
// receiver payout. The fee is amount * PlatformFeeRate rounded half-up to
// two decimal places; the payout is the exact remainder, so
// fee + payout always equals amount.
func SplitFee(amount decimal.Decimal) (fee, payout decimal.Decimal) {
	fee = amount.Mul(PlatformFeeRate).Round(2)
	payout = amount.Sub(fee)
	return fee, payout
}

// Equal reports whether two amounts are numerically equal.
func Equal(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

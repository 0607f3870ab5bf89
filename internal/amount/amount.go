// Package amount converts between on-ledger base units and the fixed-point
// strings shown to people.
package amount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// StablecoinDecimals is the display scale of the escrowed stablecoin.
const StablecoinDecimals int32 = 6

var ErrPrecision = errors.New("amount has more decimal places than the asset supports")

// Format renders base units with exactly decimals fractional digits.
func Format(base *big.Int, decimals int32) string {
	if base == nil {
		base = new(big.Int)
	}
	return decimal.NewFromBigInt(base, -decimals).StringFixed(decimals)
}

// Parse converts a display string such as "100.5" into base units.
func Parse(display string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(display)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", display, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("parse amount %q: %w", display, ErrPrecision)
	}
	return shifted.BigInt(), nil
}

// ParseBase accepts a base-unit integer string.
func ParseBase(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", raw)
	}
	return v, nil
}

// Package units converts between token base units and human-readable decimal
// amounts.
package units

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ToBase parses a human amount such as "1.5" into base units for a token
// with the given decimals. Fractions finer than one base unit are rejected.
func ToBase(amount string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("units: parse %q: %w", amount, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("units: negative amount %q", amount)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("units: %q has more than %d decimals", amount, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("units: %q overflows 256 bits", amount)
	}
	return v, nil
}

// FromBase renders a base-unit amount with the token's decimals, trimming
// trailing zeros.
func FromBase(v *uint256.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals).String()
}

// FromBaseFixed renders a base-unit amount rounded to places decimals.
func FromBaseFixed(v *uint256.Int, decimals, places int32) string {
	if v == nil {
		v = new(uint256.Int)
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals).StringFixed(places)
}

// ToFloat approximates a base-unit amount in human units. Only for metrics
// and display; never feed the result back into amount arithmetic.
func ToFloat(v *uint256.Int, decimals int32) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals).InexactFloat64()
}

// Float approximates v of asset in human units; unknown assets use
// 18 decimals.
func (r *Registry) Float(asset common.Address, v *uint256.Int) float64 {
	dec := int32(18)
	if t, ok := r.Lookup(asset); ok {
		dec = t.Decimals
	}
	return ToFloat(v, dec)
}

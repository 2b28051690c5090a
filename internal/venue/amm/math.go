// Package amm implements an in-process Uniswap-V2 style router whose pools
// hold their reserves as ledger balances.
package amm

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/protocol"
)

// FeeDenominator is the scale of a pool fee numerator.
const FeeDenominator = 1000

// Well-known fee numerators.
const (
	FeeUniswapV2 = 997 // 0.30%
	FeeSushiswap = 998 // 0.25%
)

var (
	ErrInsufficientInputAmount = errors.New("amm: insufficient input amount")
	ErrInvalidFee              = errors.New("amm: invalid fee")
	ErrOverflow                = errors.New("amm: overflow")
)

// ValidFee reports whether fee lies in (0, FeeDenominator].
func ValidFee(fee uint64) bool {
	return fee > 0 && fee <= FeeDenominator
}

// GetAmountOut returns the output of a constant-product swap of amountIn
// against (reserveIn, reserveOut) with the given fee numerator:
//
//	out = amountIn*fee*reserveOut / (reserveIn*1000 + amountIn*fee)
func GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int, fee uint64) (*uint256.Int, error) {
	if amountIn.IsZero() {
		return nil, ErrInsufficientInputAmount
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, protocol.ErrInsufficientLiquidity
	}
	if !ValidFee(fee) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFee, fee)
	}

	inWithFee, overflow := new(uint256.Int).MulOverflow(amountIn, uint256.NewInt(fee))
	if overflow {
		return nil, ErrOverflow
	}
	scaledReserve, overflow := new(uint256.Int).MulOverflow(reserveIn, uint256.NewInt(FeeDenominator))
	if overflow {
		return nil, ErrOverflow
	}
	denominator, overflow := new(uint256.Int).AddOverflow(scaledReserve, inWithFee)
	if overflow {
		return nil, ErrOverflow
	}
	out, overflow := new(uint256.Int).MulDivOverflow(inWithFee, reserveOut, denominator)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

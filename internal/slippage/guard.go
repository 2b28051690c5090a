// Package slippage computes minimum acceptable swap outputs for a given
// tolerance. All arithmetic is 256-bit with a 512-bit intermediate product.
package slippage

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Denominator is the basis-point scale of a Tolerance.
const Denominator = 10_000

// Tolerance is a slippage tolerance in basis points. Valid values are
// 0 <= t < Denominator; a tolerance of 100% would accept zero output.
type Tolerance uint32

// NewTolerance validates bps and returns it as a Tolerance.
func NewTolerance(bps uint64) (Tolerance, error) {
	if bps >= Denominator {
		return 0, fmt.Errorf("slippage: %d bps: %w", bps, domain.ErrInvalidTolerance)
	}
	return Tolerance(bps), nil
}

// Valid reports whether t lies in [0, Denominator).
func (t Tolerance) Valid() bool {
	return t < Denominator
}

// Bps returns the tolerance in basis points.
func (t Tolerance) Bps() uint32 {
	return uint32(t)
}

func (t Tolerance) String() string {
	return fmt.Sprintf("%d.%02d%%", t/100, t%100)
}

// MinimumAcceptable returns expectedOut * (1 - t), rounded down.
func MinimumAcceptable(expectedOut *uint256.Int, t Tolerance) (*uint256.Int, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("slippage: %d bps: %w", uint32(t), domain.ErrInvalidTolerance)
	}
	if expectedOut == nil {
		return new(uint256.Int), nil
	}
	keep := uint256.NewInt(uint64(Denominator - t))
	floor, overflow := new(uint256.Int).MulDivOverflow(expectedOut, keep, uint256.NewInt(Denominator))
	if overflow {
		return nil, fmt.Errorf("slippage: minimum of %s: %w", expectedOut.Dec(), domain.ErrArithmeticOverflow)
	}
	return floor, nil
}

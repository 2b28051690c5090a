package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/protocol"
	"github.com/alanyoungcy/flasharb/internal/slippage"
	"github.com/alanyoungcy/flasharb/internal/state"
)

// LegExecutor performs a single swap on behalf of the holder, enforcing the
// slippage floor and the run deadline. It never retries.
type LegExecutor struct {
	holder common.Address
	ledger *state.Ledger
	now    func() time.Time
}

// NewLegExecutor returns a LegExecutor spending holder's balances.
func NewLegExecutor(holder common.Address, ledger *state.Ledger, now func() time.Time) *LegExecutor {
	return &LegExecutor{holder: holder, ledger: ledger, now: now}
}

// Execute swaps amountIn of assetIn for assetOut on venue.
func (x *LegExecutor) Execute(ctx context.Context, venue protocol.Router, assetIn, assetOut common.Address,
	amountIn *uint256.Int, deadline time.Time, tol slippage.Tolerance) (domain.SwapOutcome, error) {
	if x.now().After(deadline) {
		return domain.SwapOutcome{}, fmt.Errorf("engine: leg on %s: %w", venue.Name(), domain.ErrDeadlineExceeded)
	}

	path := []common.Address{assetIn, assetOut}
	quote, err := venue.GetAmountsOut(ctx, amountIn, path)
	if err != nil {
		return domain.SwapOutcome{}, fmt.Errorf("engine: quote on %s: %w: %v", venue.Name(), domain.ErrVenueCallFailed, err)
	}
	if len(quote) != len(path) {
		return domain.SwapOutcome{}, fmt.Errorf("engine: quote on %s: %d amounts: %w", venue.Name(), len(quote), domain.ErrVenueCallFailed)
	}
	minOut, err := slippage.MinimumAcceptable(quote[len(quote)-1], tol)
	if err != nil {
		return domain.SwapOutcome{}, fmt.Errorf("engine: leg on %s: %w", venue.Name(), err)
	}

	before := x.ledger.BalanceOf(assetOut, x.holder)
	x.ledger.Approve(assetIn, x.holder, venue.Address(), amountIn)
	if _, err := venue.SwapExactTokensForTokens(ctx, x.holder, amountIn, minOut, path, x.holder, deadline); err != nil {
		return domain.SwapOutcome{}, classifySwapError(venue.Name(), err)
	}
	x.ledger.Approve(assetIn, x.holder, venue.Address(), new(uint256.Int))

	received, underflow := new(uint256.Int).SubOverflow(x.ledger.BalanceOf(assetOut, x.holder), before)
	if underflow {
		return domain.SwapOutcome{}, fmt.Errorf("engine: leg on %s: balance of %s decreased: %w", venue.Name(), assetOut.Hex(), domain.ErrVenueCallFailed)
	}
	if received.Lt(minOut) {
		return domain.SwapOutcome{}, fmt.Errorf("engine: leg on %s: received %s < min %s: %w",
			venue.Name(), received.Dec(), minOut.Dec(), domain.ErrSlippageViolation)
	}

	return domain.SwapOutcome{
		Venue:     venue.Address(),
		VenueName: venue.Name(),
		AssetIn:   assetIn,
		AssetOut:  assetOut,
		AmountIn:  amountIn.Clone(),
		AmountOut: received,
		MinOut:    minOut,
	}, nil
}

func classifySwapError(venue string, err error) error {
	switch {
	case errors.Is(err, protocol.ErrInsufficientOutputAmount):
		return fmt.Errorf("engine: swap on %s: %w: %v", venue, domain.ErrSlippageViolation, err)
	case errors.Is(err, protocol.ErrExpired):
		return fmt.Errorf("engine: swap on %s: %w: %v", venue, domain.ErrDeadlineExceeded, err)
	default:
		return fmt.Errorf("engine: swap on %s: %w: %v", venue, domain.ErrVenueCallFailed, err)
	}
}

package notify

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/units"
)

// Formatter renders run outcomes and controller actions as alert text with
// amounts in human units.
type Formatter struct {
	tokens *units.Registry
}

// NewFormatter creates a Formatter using tokens for symbols and decimals.
func NewFormatter(tokens *units.Registry) *Formatter {
	return &Formatter{tokens: tokens}
}

// RunCompleted describes a committed run.
func (f *Formatter) RunCompleted(run domain.Run) (title, message string) {
	req := run.Request
	var b strings.Builder
	fmt.Fprintf(&b, "Borrowed %s, traded via %s\n",
		f.tokens.Format(req.BorrowedAsset, req.BorrowAmount), f.tokens.Label(req.ProfitAsset))
	for i, leg := range run.Legs {
		fmt.Fprintf(&b, "Leg %d on %s: %s -> %s\n", i+1, venueLabel(leg),
			f.tokens.Format(leg.AssetIn, leg.AmountIn), f.tokens.Format(leg.AssetOut, leg.AmountOut))
	}
	fmt.Fprintf(&b, "Repaid %s\n", f.tokens.Format(req.BorrowedAsset, run.Owed))
	fmt.Fprintf(&b, "Profit %s (run %s, %s)", f.tokens.Format(req.BorrowedAsset, run.Profit), run.ID, run.Duration())
	return "Arbitrage completed", b.String()
}

// RunFailed describes a reverted run.
func (f *Formatter) RunFailed(run domain.Run) (title, message string) {
	req := run.Request
	return "Arbitrage aborted", fmt.Sprintf("%s borrowing %s (%s)\nRun %s from %s: %s",
		run.ErrorKind, f.tokens.Format(req.BorrowedAsset, req.BorrowAmount), req.LegOrder,
		run.ID, run.Source, run.Error)
}

// ToleranceUpdated describes a slippage tolerance change.
func (f *Formatter) ToleranceUpdated(from, to uint32) (title, message string) {
	return "Slippage tolerance updated", fmt.Sprintf("%s -> %s", bpsPercent(from), bpsPercent(to))
}

// Withdrawal describes a residual balance withdrawal.
func (f *Formatter) Withdrawal(token common.Address, amount *uint256.Int, recipient common.Address) (title, message string) {
	return "Withdrawal", fmt.Sprintf("%s sent to %s", f.tokens.Format(token, amount), recipient.Hex())
}

func venueLabel(leg domain.SwapOutcome) string {
	if leg.VenueName != "" {
		return leg.VenueName
	}
	return leg.Venue.Hex()
}

func bpsPercent(bps uint32) string {
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}

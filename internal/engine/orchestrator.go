package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/calldata"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/loan"
	"github.com/alanyoungcy/flasharb/internal/slippage"
)

// activeRun is the state of the one gateway-initiated run in progress. The
// callback may claim it once.
type activeRun struct {
	req       domain.ArbitrageRequest
	tolerance slippage.Tolerance
	baseline  *uint256.Int // engine balance of the borrowed asset before the loan
	claimed   bool

	legs       []domain.SwapOutcome
	obligation domain.LoanObligation
	profit     *uint256.Int
}

func (e *Engine) setActive(run *activeRun) {
	e.activeMu.Lock()
	e.active = run
	e.activeMu.Unlock()
}

func (e *Engine) claimActive() (*activeRun, bool) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active == nil || e.active.claimed {
		return nil, false
	}
	e.active.claimed = true
	return e.active, true
}

// ExecuteOperation is the funds-received callback. It only accepts calls
// from the lender, for a loan the engine itself initiated, while the
// matching gateway run is active. Any error aborts the enclosing unit.
func (e *Engine) ExecuteOperation(ctx context.Context, caller common.Address, assets []common.Address,
	amounts, premiums []*uint256.Int, initiator common.Address, params []byte) (bool, error) {
	if caller != e.lender.Address() {
		return false, fmt.Errorf("engine: callback from %s: %w", caller.Hex(), domain.ErrUnauthorizedCallback)
	}
	if initiator != e.addr {
		return false, fmt.Errorf("engine: callback initiated by %s: %w", initiator.Hex(), domain.ErrUnauthorizedCallback)
	}
	run, ok := e.claimActive()
	if !ok {
		return false, fmt.Errorf("engine: callback without active run: %w", domain.ErrUnauthorizedCallback)
	}

	// Received Funds
	req, err := calldata.DecodeRequest(params)
	if err != nil {
		return false, fmt.Errorf("engine: callback: %w", err)
	}
	if err := matchLoan(run.req, req, assets, amounts, premiums); err != nil {
		return false, err
	}
	borrowed, principal, premium := assets[0], amounts[0], premiums[0]
	e.ledger.Emit(domain.Event{
		Kind:    domain.EventLoanTaken,
		Emitter: e.addr,
		Token:   borrowed,
		Amount:  principal,
	})

	// Leg1 Executed. The params carry the deadline in whole seconds; the
	// legs use the run's full-precision deadline the gateway checked.
	first, second := e.legVenues(req.LegOrder)
	leg1, err := e.legs.Execute(ctx, first, borrowed, req.ProfitAsset, principal, run.req.Deadline, run.tolerance)
	if err != nil {
		return false, fmt.Errorf("engine: leg 1: %w", err)
	}

	// Leg2 Executed
	leg2, err := e.legs.Execute(ctx, second, req.ProfitAsset, borrowed, leg1.AmountOut, run.req.Deadline, run.tolerance)
	if err != nil {
		return false, fmt.Errorf("engine: leg 2: %w", err)
	}

	// Repayment Verified
	obligation, err := loan.Obligation(borrowed, principal, premium)
	if err != nil {
		return false, fmt.Errorf("engine: repayment: %w", err)
	}
	proceeds, underflow := new(uint256.Int).SubOverflow(e.ledger.BalanceOf(borrowed, e.addr), run.baseline)
	if underflow || proceeds.Lt(obligation.Owed) {
		return false, fmt.Errorf("engine: proceeds %s < owed %s: %w", proceeds.Dec(), obligation.Owed.Dec(), domain.ErrUnprofitableArbitrage)
	}
	e.ledger.Approve(borrowed, e.addr, e.lender.Address(), obligation.Owed)

	// Profit Forwarded
	profit := new(uint256.Int).Sub(proceeds, obligation.Owed)
	if !profit.IsZero() {
		if err := e.ledger.Transfer(borrowed, e.addr, e.controller, profit); err != nil {
			return false, fmt.Errorf("engine: forward profit: %w", err)
		}
	}
	e.ledger.Emit(domain.Event{
		Kind:      domain.EventArbitrageCompleted,
		Emitter:   e.addr,
		Token:     borrowed,
		Amount:    profit,
		Recipient: e.controller,
	})

	run.legs = []domain.SwapOutcome{leg1, leg2}
	run.obligation = obligation
	run.profit = profit
	return true, nil
}

// matchLoan checks the callback arguments describe exactly the loan the
// active run requested.
func matchLoan(want, got domain.ArbitrageRequest, assets []common.Address, amounts, premiums []*uint256.Int) error {
	if len(assets) != 1 || len(amounts) != 1 || len(premiums) != 1 {
		return fmt.Errorf("engine: callback with %d assets: %w", len(assets), domain.ErrMalformedRequest)
	}
	if amounts[0] == nil || premiums[0] == nil {
		return fmt.Errorf("engine: callback with nil amount: %w", domain.ErrMalformedRequest)
	}
	if got.BorrowedAsset != want.BorrowedAsset ||
		got.ProfitAsset != want.ProfitAsset ||
		got.LegOrder != want.LegOrder ||
		got.Deadline.Unix() != want.Deadline.Unix() ||
		!got.BorrowAmount.Eq(want.BorrowAmount) {
		return fmt.Errorf("engine: callback params differ from active run: %w", domain.ErrMalformedRequest)
	}
	if assets[0] != want.BorrowedAsset || !amounts[0].Eq(want.BorrowAmount) {
		return fmt.Errorf("engine: callback loan %s of %s differs from request: %w",
			amounts[0].Dec(), assets[0].Hex(), domain.ErrMalformedRequest)
	}
	return nil
}

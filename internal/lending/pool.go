// Package lending implements an in-process Aave-v2 style flash-loan pool on
// top of the shared ledger.
package lending

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/loan"
	"github.com/alanyoungcy/flasharb/internal/protocol"
	"github.com/alanyoungcy/flasharb/internal/state"
)

// DefaultPremiumBps is the Aave v2 flash-loan premium (0.09%).
const DefaultPremiumBps = 9

// Pool lends its own ledger balances. Liquidity is whatever the pool address
// holds.
type Pool struct {
	addr       common.Address
	premiumBps uint32
	ledger     *state.Ledger
}

var _ protocol.FlashLender = (*Pool)(nil)

// NewPool creates a pool at addr charging premiumBps per loan.
func NewPool(addr common.Address, premiumBps uint32, ledger *state.Ledger) *Pool {
	return &Pool{addr: addr, premiumBps: premiumBps, ledger: ledger}
}

func (p *Pool) Address() common.Address { return p.addr }

// PremiumBps returns the premium rate in basis points.
func (p *Pool) PremiumBps() uint32 { return p.premiumBps }

// Deposit moves amount of asset from provider into the pool's liquidity.
func (p *Pool) Deposit(asset, provider common.Address, amount *uint256.Int) error {
	if err := p.ledger.Transfer(asset, provider, p.addr, amount); err != nil {
		return fmt.Errorf("lending: deposit: %w", err)
	}
	return nil
}

// Liquidity returns the pool's committed balance of asset, waiting for any
// unit in progress. It must not be called from inside a unit.
func (p *Pool) Liquidity(asset common.Address) *uint256.Int {
	return p.ledger.SettledBalanceOf(asset, p.addr)
}

// FlashLoan disburses amounts[i] of assets[i] to receiver, invokes its
// callback, and pulls back amount+premium of every asset. Any failure is
// returned to the caller, whose enclosing unit is expected to revert.
func (p *Pool) FlashLoan(ctx context.Context, caller common.Address, receiver protocol.FlashLoanReceiver,
	assets []common.Address, amounts []*uint256.Int, params []byte) error {
	if len(assets) == 0 || len(assets) != len(amounts) {
		return fmt.Errorf("lending: %d assets, %d amounts: %w", len(assets), len(amounts), protocol.ErrInvalidLoan)
	}

	target := receiver.Address()
	premiums := make([]*uint256.Int, len(assets))
	for i, asset := range assets {
		if amounts[i] == nil || amounts[i].IsZero() {
			return fmt.Errorf("lending: zero amount for %s: %w", asset.Hex(), protocol.ErrInvalidLoan)
		}
		premium, err := loan.Premium(amounts[i], p.premiumBps)
		if err != nil {
			return fmt.Errorf("lending: premium: %w", err)
		}
		premiums[i] = premium

		if err := p.ledger.Transfer(asset, p.addr, target, amounts[i]); err != nil {
			return fmt.Errorf("lending: disburse %s: %v: %w", asset.Hex(), err, protocol.ErrInsufficientReserves)
		}
	}

	ok, err := receiver.ExecuteOperation(ctx, p.addr, assets, amounts, premiums, caller, params)
	if err != nil {
		return fmt.Errorf("lending: callback: %w", err)
	}
	if !ok {
		return protocol.ErrCallbackFailed
	}

	for i, asset := range assets {
		owed, err := loan.Owed(amounts[i], premiums[i])
		if err != nil {
			return fmt.Errorf("lending: owed: %w", err)
		}
		if err := p.ledger.TransferFrom(asset, p.addr, target, p.addr, owed); err != nil {
			return fmt.Errorf("lending: pull %s of %s: %v: %w", owed.Dec(), asset.Hex(), err, protocol.ErrRepaymentPull)
		}
		p.ledger.Emit(domain.Event{
			Kind:      domain.EventFlashLoan,
			Emitter:   p.addr,
			Token:     asset,
			Amount:    amounts[i],
			Recipient: target,
		})
	}
	return nil
}

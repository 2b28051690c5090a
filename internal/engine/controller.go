package engine

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/slippage"
)

// SetSlippageTolerance replaces the tolerance. Controller only. The new value
// applies to runs that start after this call returns.
func (e *Engine) SetSlippageTolerance(caller common.Address, bps uint64) ([]domain.Event, error) {
	if err := e.RequireController(caller); err != nil {
		return nil, err
	}
	tol, err := slippage.NewTolerance(bps)
	if err != nil {
		return nil, fmt.Errorf("engine: set tolerance: %w", err)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	events, err := e.ledger.Atomic(func() error {
		e.ledger.Emit(domain.Event{
			Kind:         domain.EventToleranceUpdated,
			Emitter:      e.addr,
			ToleranceBps: tol.Bps(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: set tolerance: %w", err)
	}

	e.tolMu.Lock()
	prev := e.tolerance
	e.tolerance = tol
	e.updatedAt = e.now()
	e.tolMu.Unlock()

	e.logger.Info("slippage tolerance updated",
		slog.String("from", prev.String()),
		slog.String("to", tol.String()),
	)
	return events, nil
}

// WithdrawToken sends amount of token held by the engine to the controller.
// Controller only.
func (e *Engine) WithdrawToken(caller, token common.Address, amount *uint256.Int) ([]domain.Event, error) {
	if err := e.RequireController(caller); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("engine: withdraw: %w", domain.ErrZeroAmount)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	events, err := e.ledger.Atomic(func() error {
		if err := e.ledger.Transfer(token, e.addr, e.controller, amount); err != nil {
			return err
		}
		e.ledger.Emit(domain.Event{
			Kind:      domain.EventWithdrawal,
			Emitter:   e.addr,
			Token:     token,
			Amount:    amount,
			Recipient: e.controller,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: withdraw %s of %s: %w", amount.Dec(), token.Hex(), err)
	}

	e.logger.Info("withdrawal",
		slog.String("token", token.Hex()),
		slog.String("amount", amount.Dec()),
	)
	return events, nil
}

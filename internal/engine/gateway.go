package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/calldata"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/protocol"
)

// StartArbitrage validates req, requests the flash loan and, through the
// lender's synchronous callback, executes the whole run as one unit. Either
// the receipt of a committed run is returned or nothing changed.
func (e *Engine) StartArbitrage(ctx context.Context, caller common.Address, req domain.ArbitrageRequest) (domain.Receipt, error) {
	if req.BorrowAmount == nil || req.BorrowAmount.IsZero() {
		return domain.Receipt{}, fmt.Errorf("engine: start: %w", domain.ErrZeroAmount)
	}
	if !req.Deadline.After(e.now()) {
		return domain.Receipt{}, fmt.Errorf("engine: start: deadline %s: %w", req.Deadline.UTC().Format(time.RFC3339), domain.ErrDeadlineInPast)
	}
	if !req.LegOrder.Valid() {
		return domain.Receipt{}, fmt.Errorf("engine: start: leg order %q: %w", req.LegOrder, domain.ErrMalformedRequest)
	}
	if req.BorrowedAsset == req.ProfitAsset {
		return domain.Receipt{}, fmt.Errorf("engine: start: borrowed and profit asset are both %s: %w", req.BorrowedAsset.Hex(), domain.ErrMalformedRequest)
	}
	params, err := calldata.EncodeRequest(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("engine: start: %w", err)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	run := &activeRun{req: req, tolerance: e.SlippageTolerance()}
	events, err := e.ledger.Atomic(func() error {
		run.baseline = e.ledger.BalanceOf(req.BorrowedAsset, e.addr)
		e.setActive(run)
		defer e.setActive(nil)

		err := e.lender.FlashLoan(ctx, e.addr, e,
			[]common.Address{req.BorrowedAsset}, []*uint256.Int{req.BorrowAmount.Clone()}, params)
		if err != nil {
			return classifyLoanError(err)
		}
		if run.profit == nil {
			return fmt.Errorf("engine: lender returned without invoking the callback: %w", domain.ErrUnauthorizedCallback)
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("arbitrage aborted",
			slog.String("caller", caller.Hex()),
			slog.String("borrowed_asset", req.BorrowedAsset.Hex()),
			slog.String("amount", req.BorrowAmount.Dec()),
			slog.String("kind", domain.ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		return domain.Receipt{}, err
	}

	e.logger.Info("arbitrage completed",
		slog.String("caller", caller.Hex()),
		slog.String("borrowed_asset", req.BorrowedAsset.Hex()),
		slog.String("amount", req.BorrowAmount.Dec()),
		slog.String("owed", run.obligation.Owed.Dec()),
		slog.String("profit", run.profit.Dec()),
	)
	return domain.Receipt{
		Request:    req,
		Legs:       run.legs,
		Obligation: run.obligation,
		Profit:     run.profit,
		Recipient:  e.controller,
		Events:     events,
	}, nil
}

// classifyLoanError keeps errors raised by the callback and maps lender-level
// repayment failures into the engine taxonomy.
func classifyLoanError(err error) error {
	if domain.ErrorKind(err) != "Internal" {
		return err
	}
	if errors.Is(err, protocol.ErrRepaymentPull) {
		return fmt.Errorf("engine: %w: %v", domain.ErrRepaymentTransferFailed, err)
	}
	return fmt.Errorf("engine: flash loan: %w", err)
}

// Package protocol defines the external protocols the engine consumes: exchange
// routers and a flash-loan lender, plus the callback the lender invokes.
package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Router errors, mirroring the revert reasons of a Uniswap-V2 router.
var (
	ErrInsufficientOutputAmount = errors.New("router: insufficient output amount")
	ErrExpired                  = errors.New("router: expired")
	ErrInsufficientLiquidity    = errors.New("router: insufficient liquidity")
	ErrInvalidPath              = errors.New("router: invalid path")
)

// Lender errors.
var (
	ErrCallbackFailed       = errors.New("lender: invalid flash loan executor return")
	ErrRepaymentPull        = errors.New("lender: repayment pull failed")
	ErrInvalidLoan          = errors.New("lender: inconsistent loan parameters")
	ErrInsufficientReserves = errors.New("lender: insufficient reserves")
)

// Router is a constant-product exchange router with a swap entry point that
// enforces a minimum output and a deadline.
type Router interface {
	Address() common.Address
	Name() string
	// GetAmountsOut quotes amountIn along path. The result has one entry per
	// path element; the last is the expected output.
	GetAmountsOut(ctx context.Context, amountIn *uint256.Int, path []common.Address) ([]*uint256.Int, error)
	// SwapExactTokensForTokens pulls amountIn of path[0] from caller (via
	// allowance) and sends at least amountOutMin of path[len-1] to `to`.
	SwapExactTokensForTokens(ctx context.Context, caller common.Address, amountIn, amountOutMin *uint256.Int,
		path []common.Address, to common.Address, deadline time.Time) ([]*uint256.Int, error)
}

// FlashLender disburses uncollateralized loans that must be repaid within the
// same unit.
type FlashLender interface {
	Address() common.Address
	FlashLoan(ctx context.Context, caller common.Address, receiver FlashLoanReceiver,
		assets []common.Address, amounts []*uint256.Int, params []byte) error
}

// FlashLoanReceiver is the funds-received callback. caller is the identity
// invoking the callback and initiator is whoever requested the loan. A
// receiver approves owed amounts to the lender before returning true.
type FlashLoanReceiver interface {
	Address() common.Address
	ExecuteOperation(ctx context.Context, caller common.Address, assets []common.Address,
		amounts, premiums []*uint256.Int, initiator common.Address, params []byte) (bool, error)
}

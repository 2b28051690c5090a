// Package loan computes flash-loan premiums and repayment amounts.
package loan

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// BpsDenominator is the scale of premium rates.
const BpsDenominator = 10_000

// Owed returns principal + premium. The sum must be exact; a wrapped result
// would underpay the lender.
func Owed(principal, premium *uint256.Int) (*uint256.Int, error) {
	if principal == nil || premium == nil {
		return nil, fmt.Errorf("loan: owed: nil amount: %w", domain.ErrMalformedRequest)
	}
	sum, overflow := new(uint256.Int).AddOverflow(principal, premium)
	if overflow {
		return nil, fmt.Errorf("loan: owed %s + %s: %w", principal.Dec(), premium.Dec(), domain.ErrArithmeticOverflow)
	}
	return sum, nil
}

// Premium returns amount * rateBps / 10000, rounded down.
func Premium(amount *uint256.Int, rateBps uint32) (*uint256.Int, error) {
	p, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(uint64(rateBps)), uint256.NewInt(BpsDenominator))
	if overflow {
		return nil, fmt.Errorf("loan: premium of %s: %w", amount.Dec(), domain.ErrArithmeticOverflow)
	}
	return p, nil
}

// Obligation builds the LoanObligation for one borrowed asset.
func Obligation(asset common.Address, principal, premium *uint256.Int) (domain.LoanObligation, error) {
	owed, err := Owed(principal, premium)
	if err != nil {
		return domain.LoanObligation{}, err
	}
	return domain.LoanObligation{
		Asset:     asset,
		Principal: principal.Clone(),
		Premium:   premium.Clone(),
		Owed:      owed,
	}, nil
}

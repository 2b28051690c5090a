package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LegOrder selects which configured venue executes the first swap leg.
type LegOrder string

const (
	VenueAFirst LegOrder = "venue_a_first"
	VenueBFirst LegOrder = "venue_b_first"
)

// LegOrderFromBool maps the boolean wire form (buyOnFirstVenue) to a LegOrder.
func LegOrderFromBool(buyOnFirstVenue bool) LegOrder {
	if buyOnFirstVenue {
		return VenueAFirst
	}
	return VenueBFirst
}

// BuyOnFirstVenue is the inverse of LegOrderFromBool.
func (o LegOrder) BuyOnFirstVenue() bool {
	return o != VenueBFirst
}

// Valid reports whether o is one of the two known orders.
func (o LegOrder) Valid() bool {
	return o == VenueAFirst || o == VenueBFirst
}

// ArbitrageRequest is the immutable description of one flash-loan arbitrage
// run. ProfitAsset is the counter asset: leg 1 buys it with the borrowed
// asset and leg 2 sells it back into the borrowed asset.
type ArbitrageRequest struct {
	BorrowedAsset common.Address
	BorrowAmount  *uint256.Int
	ProfitAsset   common.Address
	Deadline      time.Time
	LegOrder      LegOrder
}

// LoanObligation is the amount owed for one borrowed asset during a run.
type LoanObligation struct {
	Asset     common.Address
	Principal *uint256.Int
	Premium   *uint256.Int
	Owed      *uint256.Int
}

// SwapOutcome is the result of one swap leg.
type SwapOutcome struct {
	Venue     common.Address
	VenueName string
	AssetIn   common.Address
	AssetOut  common.Address
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	MinOut    *uint256.Int
}

// Receipt summarises a committed arbitrage run.
type Receipt struct {
	Request    ArbitrageRequest
	Legs       []SwapOutcome
	Obligation LoanObligation
	Profit     *uint256.Int
	Recipient  common.Address
	Events     []Event
}

// EngineParams is the persisted configuration of one engine instance.
type EngineParams struct {
	Engine       common.Address
	VenueA       common.Address
	VenueB       common.Address
	Controller   common.Address
	ToleranceBps uint32
	UpdatedAt    time.Time
}

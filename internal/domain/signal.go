package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Candidate is a trade proposal handed to the engine by a scanner. It carries
// everything needed to build an ArbitrageRequest plus intake metadata.
type Candidate struct {
	ID             string // UUID for dedup
	Source         string // "scanner", "feed", "api"
	BorrowedAsset  common.Address
	BorrowAmount   *uint256.Int
	ProfitAsset    common.Address
	LegOrder       LegOrder
	ExpectedProfit *uint256.Int
	CreatedAt      time.Time
	Deadline       time.Time
}

// Request builds the ArbitrageRequest described by the candidate.
func (c Candidate) Request() ArbitrageRequest {
	return ArbitrageRequest{
		BorrowedAsset: c.BorrowedAsset,
		BorrowAmount:  c.BorrowAmount,
		ProfitAsset:   c.ProfitAsset,
		Deadline:      c.Deadline,
		LegOrder:      c.LegOrder,
	}
}

// CandidateJSON is the wire form published by external scanners.
type CandidateJSON struct {
	ID              string   `json:"id"`
	BorrowedAsset   string   `json:"borrowed_asset"`
	BorrowAmount    string   `json:"borrow_amount"`
	ProfitAsset     string   `json:"profit_asset"`
	BuyOnFirstVenue bool     `json:"buy_on_first_venue"`
	ExpectedProfit  string   `json:"expected_profit,omitempty"`
	Deadline        int64    `json:"deadline"`
	Tags            []string `json:"tags,omitempty"`
}

// EngineStatus is a summary of the engine's current operational state.
type EngineStatus struct {
	Mode          string
	UptimeSeconds int64
	RunsSucceeded int64
	RunsFailed    int64
}

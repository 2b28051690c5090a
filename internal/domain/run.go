package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// RunStatus is the terminal state of an arbitrage run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one arbitrage attempt, successful or not. A failed run has no
// legs and no profit because the unit reverted.
type Run struct {
	ID         string
	Source     string
	Request    ArbitrageRequest
	Status     RunStatus
	ErrorKind  string
	Error      string
	Legs       []SwapOutcome
	Owed       *uint256.Int
	Profit     *uint256.Int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SwapOutcomeJSON is the wire form of SwapOutcome.
type SwapOutcomeJSON struct {
	Venue     string `json:"venue"`
	VenueName string `json:"venue_name,omitempty"`
	AssetIn   string `json:"asset_in"`
	AssetOut  string `json:"asset_out"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
	MinOut    string `json:"min_out"`
}

// JSON converts s into its wire form.
func (s SwapOutcome) JSON() SwapOutcomeJSON {
	return SwapOutcomeJSON{
		Venue:     s.Venue.Hex(),
		VenueName: s.VenueName,
		AssetIn:   s.AssetIn.Hex(),
		AssetOut:  s.AssetOut.Hex(),
		AmountIn:  decString(s.AmountIn),
		AmountOut: decString(s.AmountOut),
		MinOut:    decString(s.MinOut),
	}
}

// RunJSON is the wire form of Run used by the API and the receipt archive.
// Amounts are base-unit decimal strings.
type RunJSON struct {
	ID            string            `json:"id"`
	Source        string            `json:"source"`
	Status        RunStatus         `json:"status"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	Error         string            `json:"error,omitempty"`
	BorrowedAsset string            `json:"borrowed_asset"`
	BorrowAmount  string            `json:"borrow_amount"`
	ProfitAsset   string            `json:"profit_asset"`
	LegOrder      LegOrder          `json:"leg_order"`
	Deadline      time.Time         `json:"deadline"`
	Legs          []SwapOutcomeJSON `json:"legs,omitempty"`
	Owed          string            `json:"owed,omitempty"`
	Profit        string            `json:"profit,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	DurationMs    int64             `json:"duration_ms"`
}

// JSON converts r into its wire form.
func (r Run) JSON() RunJSON {
	out := RunJSON{
		ID:            r.ID,
		Source:        r.Source,
		Status:        r.Status,
		ErrorKind:     r.ErrorKind,
		Error:         r.Error,
		BorrowedAsset: r.Request.BorrowedAsset.Hex(),
		BorrowAmount:  decString(r.Request.BorrowAmount),
		ProfitAsset:   r.Request.ProfitAsset.Hex(),
		LegOrder:      r.Request.LegOrder,
		Deadline:      r.Request.Deadline.UTC(),
		StartedAt:     r.StartedAt.UTC(),
		FinishedAt:    r.FinishedAt.UTC(),
		DurationMs:    r.Duration().Milliseconds(),
	}
	for _, leg := range r.Legs {
		out.Legs = append(out.Legs, leg.JSON())
	}
	if r.Owed != nil {
		out.Owed = r.Owed.Dec()
	}
	if r.Profit != nil {
		out.Profit = r.Profit.Dec()
	}
	return out
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

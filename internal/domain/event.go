package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind names a notification emitted inside an atomic unit.
type EventKind string

const (
	EventLoanTaken          EventKind = "loan_taken"
	EventArbitrageCompleted EventKind = "arbitrage_completed"
	EventToleranceUpdated   EventKind = "tolerance_updated"
	EventWithdrawal         EventKind = "withdrawal"
	EventFlashLoan          EventKind = "flash_loan"
	EventSwap               EventKind = "swap"
)

// Event is a log entry recorded by the ledger. Events emitted inside a unit
// that later reverts are discarded together with the unit's balance changes.
type Event struct {
	Kind         EventKind
	Emitter      common.Address
	Token        common.Address
	Amount       *uint256.Int
	Recipient    common.Address
	ToleranceBps uint32
}

// EventJSON is the wire form of Event used on the signal bus and websocket.
type EventJSON struct {
	Kind         EventKind `json:"kind"`
	Emitter      string    `json:"emitter"`
	Token        string    `json:"token,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Recipient    string    `json:"recipient,omitempty"`
	ToleranceBps uint32    `json:"tolerance_bps,omitempty"`
}

// JSON converts e into its wire form.
func (e Event) JSON() EventJSON {
	out := EventJSON{
		Kind:         e.Kind,
		Emitter:      e.Emitter.Hex(),
		ToleranceBps: e.ToleranceBps,
	}
	if e.Token != (common.Address{}) {
		out.Token = e.Token.Hex()
	}
	if e.Amount != nil {
		out.Amount = e.Amount.Dec()
	}
	if e.Recipient != (common.Address{}) {
		out.Recipient = e.Recipient.Hex()
	}
	return out
}

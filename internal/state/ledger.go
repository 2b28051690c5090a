// Package state provides the journaled in-memory ledger that executes
// arbitrage runs as indivisible units. Every balance, allowance and event
// change is recorded in a journal so a failed unit can be rolled back to the
// exact state it started from.
package state

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

type balanceKey struct {
	asset  common.Address
	holder common.Address
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// journalEntry is either an in-ledger undo step or a compensating action for
// an effect outside the ledger. Undo steps run with the state lock held;
// compensations run after it is released.
type journalEntry struct {
	undo       func()
	compensate func()
}

// Ledger is a multi-asset balance sheet with ERC-20 style allowances.
//
// Stored *uint256.Int values are never mutated in place, so the journal can
// keep the previous pointer as its undo record.
type Ledger struct {
	unit sync.Mutex // serializes Atomic units

	mu         sync.Mutex
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	events     []domain.Event
	journal    []journalEntry
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// BalanceOf returns holder's balance of asset. Inside a unit this includes the
// unit's uncommitted changes.
func (l *Ledger) BalanceOf(asset, holder common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(asset, holder).Clone()
}

// SettledBalanceOf returns holder's committed balance of asset, waiting for
// any unit in progress to finish. It must not be called from inside a unit.
func (l *Ledger) SettledBalanceOf(asset, holder common.Address) *uint256.Int {
	var bal *uint256.Int
	l.Settled(func() { bal = l.BalanceOf(asset, holder) })
	return bal
}

// Settled runs fn while no unit is in progress, so every read fn makes sees
// the same committed state. fn must not start a unit or mutate the ledger.
func (l *Ledger) Settled(fn func()) {
	l.unit.Lock()
	defer l.unit.Unlock()
	fn()
}

// Allowance returns the amount spender may move from owner's asset balance.
func (l *Ledger) Allowance(asset, owner, spender common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allowances[allowanceKey{asset, owner, spender}]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Mint credits amount of asset to holder.
func (l *Ledger) Mint(asset, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(asset, to), amount)
	if overflow {
		return fmt.Errorf("state: mint %s to %s: %w", amount.Dec(), to.Hex(), domain.ErrArithmeticOverflow)
	}
	l.setBalanceLocked(balanceKey{asset, to}, next)
	return nil
}

// Transfer moves amount of asset from one holder to another.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(asset, from, to, amount)
}

// Approve sets spender's allowance over owner's asset balance.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowanceLocked(allowanceKey{asset, owner, spender}, amount.Clone())
}

// TransferFrom moves amount from `from` to `to` on behalf of spender,
// consuming allowance. An allowance of 2^256-1 is treated as unlimited.
func (l *Ledger) TransferFrom(asset, spender, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{asset, from, spender}
	allowed := l.allowances[key]
	if allowed == nil {
		allowed = new(uint256.Int)
	}
	if allowed.Lt(amount) {
		return fmt.Errorf("state: transferFrom %s by %s: allowance %s: %w",
			amount.Dec(), spender.Hex(), allowed.Dec(), domain.ErrInsufficientAllowance)
	}
	if err := l.transferLocked(asset, from, to, amount); err != nil {
		return err
	}
	if !isUnlimited(allowed) {
		l.setAllowanceLocked(key, new(uint256.Int).Sub(allowed, amount))
	}
	return nil
}

// Emit records an event. It is delivered only if the enclosing unit commits.
func (l *Ledger) Emit(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Amount != nil {
		ev.Amount = ev.Amount.Clone()
	}
	n := len(l.events)
	l.events = append(l.events, ev)
	l.journal = append(l.journal, journalEntry{undo: func() {
		if len(l.events) > n {
			l.events = l.events[:n]
		}
	}})
}

// AddCompensation registers fn to run if the enclosing unit reverts.
// Compensations run in reverse registration order, after ledger state has
// been restored, and may use the ledger.
func (l *Ledger) AddCompensation(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = append(l.journal, journalEntry{compensate: fn})
}

// Snapshot returns an identifier for the current state.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.journal)
}

// RevertToSnapshot undoes every change made since Snapshot returned id.
func (l *Ledger) RevertToSnapshot(id int) {
	l.revert(id)
}

// Atomic runs fn as one indivisible unit. Units are serialized. If fn returns
// an error or panics, every change made inside the unit is undone, including
// emitted events, and compensations run; a panic is re-raised afterwards.
// On success the events emitted by the unit are returned.
//
// Atomic must not be nested.
func (l *Ledger) Atomic(fn func() error) ([]domain.Event, error) {
	l.unit.Lock()
	defer l.unit.Unlock()

	l.mu.Lock()
	snap := len(l.journal)
	start := len(l.events)
	l.mu.Unlock()

	committed := false
	defer func() {
		if committed {
			return
		}
		r := recover()
		l.revert(snap)
		if r != nil {
			panic(r)
		}
	}()

	if err := fn(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	events := append([]domain.Event(nil), l.events[start:]...)
	l.events = nil
	l.journal = nil
	l.mu.Unlock()
	committed = true
	return events, nil
}

func (l *Ledger) revert(id int) {
	l.mu.Lock()
	if id < 0 || id > len(l.journal) {
		l.mu.Unlock()
		panic(fmt.Sprintf("state: snapshot %d cannot be reverted (journal length %d)", id, len(l.journal)))
	}
	var compensations []func()
	for i := len(l.journal) - 1; i >= id; i-- {
		e := l.journal[i]
		if e.undo != nil {
			e.undo()
		}
		if e.compensate != nil {
			compensations = append(compensations, e.compensate)
		}
	}
	l.journal = l.journal[:id]
	l.mu.Unlock()

	for _, fn := range compensations {
		fn()
	}
}

func (l *Ledger) balanceLocked(asset, holder common.Address) *uint256.Int {
	if b, ok := l.balances[balanceKey{asset, holder}]; ok {
		return b
	}
	return new(uint256.Int)
}

func (l *Ledger) transferLocked(asset, from, to common.Address, amount *uint256.Int) error {
	fromBal := l.balanceLocked(asset, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("state: transfer %s of %s from %s: balance %s: %w",
			amount.Dec(), asset.Hex(), from.Hex(), fromBal.Dec(), domain.ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	toNext, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(asset, to), amount)
	if overflow {
		return fmt.Errorf("state: transfer %s of %s to %s: %w", amount.Dec(), asset.Hex(), to.Hex(), domain.ErrArithmeticOverflow)
	}
	l.setBalanceLocked(balanceKey{asset, from}, new(uint256.Int).Sub(fromBal, amount))
	l.setBalanceLocked(balanceKey{asset, to}, toNext)
	return nil
}

func (l *Ledger) setBalanceLocked(k balanceKey, v *uint256.Int) {
	prev, had := l.balances[k]
	l.journal = append(l.journal, journalEntry{undo: func() {
		if had {
			l.balances[k] = prev
		} else {
			delete(l.balances, k)
		}
	}})
	l.balances[k] = v
}

func (l *Ledger) setAllowanceLocked(k allowanceKey, v *uint256.Int) {
	prev, had := l.allowances[k]
	l.journal = append(l.journal, journalEntry{undo: func() {
		if had {
			l.allowances[k] = prev
		} else {
			delete(l.allowances, k)
		}
	}})
	l.allowances[k] = v
}

func isUnlimited(v *uint256.Int) bool {
	return v.Eq(new(uint256.Int).SetAllOne())
}

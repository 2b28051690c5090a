package amm

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/protocol"
	"github.com/alanyoungcy/flasharb/internal/state"
)

// Pair is a pool of two tokens in canonical (sorted) order. Its reserves are
// the ledger balances held by Address.
type Pair struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router is a constant-product router operating on a shared ledger.
type Router struct {
	name   string
	addr   common.Address
	fee    uint64
	ledger *state.Ledger
	now    func() time.Time

	mu    sync.RWMutex
	pairs map[[2]common.Address]Pair
}

var _ protocol.Router = (*Router)(nil)

// New creates a router. fee is the numerator over FeeDenominator applied to
// every input amount (997 for a 0.3% pool).
func New(name string, addr common.Address, fee uint64, ledger *state.Ledger, opts ...Option) (*Router, error) {
	if !ValidFee(fee) {
		return nil, fmt.Errorf("amm: new %s: %w: %d", name, ErrInvalidFee, fee)
	}
	r := &Router{
		name:   name,
		addr:   addr,
		fee:    fee,
		ledger: ledger,
		now:    time.Now,
		pairs:  make(map[[2]common.Address]Pair),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Router) Address() common.Address { return r.addr }
func (r *Router) Name() string            { return r.name }

// Fee returns the fee numerator.
func (r *Router) Fee() uint64 { return r.fee }

// SortTokens returns a and b in canonical order.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// PairAddress derives the pool address for (router, token0, token1).
func PairAddress(router, tokenA, tokenB common.Address) common.Address {
	t0, t1 := SortTokens(tokenA, tokenB)
	h := crypto.Keccak256(router.Bytes(), t0.Bytes(), t1.Bytes())
	return common.BytesToAddress(h[12:])
}

// Pair returns the pool for tokenA/tokenB, creating it if needed.
func (r *Router) Pair(tokenA, tokenB common.Address) (Pair, error) {
	if tokenA == tokenB {
		return Pair{}, fmt.Errorf("amm: pair %s/%s: %w", tokenA.Hex(), tokenB.Hex(), protocol.ErrInvalidPath)
	}
	t0, t1 := SortTokens(tokenA, tokenB)
	key := [2]common.Address{t0, t1}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pairs[key]; ok {
		return p, nil
	}
	p := Pair{Address: PairAddress(r.addr, t0, t1), Token0: t0, Token1: t1}
	r.pairs[key] = p
	return p, nil
}

func (r *Router) lookup(tokenA, tokenB common.Address) (Pair, bool) {
	t0, t1 := SortTokens(tokenA, tokenB)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[[2]common.Address{t0, t1}]
	return p, ok
}

// Pairs returns every pool created on the router.
func (r *Router) Pairs() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// AddLiquidity moves amountA of tokenA and amountB of tokenB from provider
// into the tokenA/tokenB pool.
func (r *Router) AddLiquidity(provider, tokenA, tokenB common.Address, amountA, amountB *uint256.Int) (Pair, error) {
	p, err := r.Pair(tokenA, tokenB)
	if err != nil {
		return Pair{}, err
	}
	if err := r.ledger.Transfer(tokenA, provider, p.Address, amountA); err != nil {
		return Pair{}, fmt.Errorf("amm: add liquidity %s: %w", tokenA.Hex(), err)
	}
	if err := r.ledger.Transfer(tokenB, provider, p.Address, amountB); err != nil {
		return Pair{}, fmt.Errorf("amm: add liquidity %s: %w", tokenB.Hex(), err)
	}
	return p, nil
}

// Reserves returns the committed reserves of the tokenA/tokenB pool in the
// order of the arguments, waiting for any unit in progress. It must not be
// called from inside a unit.
func (r *Router) Reserves(tokenA, tokenB common.Address) (reserveA, reserveB *uint256.Int, err error) {
	r.ledger.Settled(func() {
		reserveA, reserveB, err = r.reserves(tokenA, tokenB)
	})
	return reserveA, reserveB, err
}

func (r *Router) reserves(tokenA, tokenB common.Address) (*uint256.Int, *uint256.Int, error) {
	p, ok := r.lookup(tokenA, tokenB)
	if !ok {
		return nil, nil, fmt.Errorf("amm: no pair %s/%s: %w", tokenA.Hex(), tokenB.Hex(), protocol.ErrInvalidPath)
	}
	return r.ledger.BalanceOf(tokenA, p.Address), r.ledger.BalanceOf(tokenB, p.Address), nil
}

// SettledAmountsOut is GetAmountsOut against committed reserves, for callers
// outside a unit.
func (r *Router) SettledAmountsOut(ctx context.Context, amountIn *uint256.Int, path []common.Address) (amounts []*uint256.Int, err error) {
	r.ledger.Settled(func() {
		amounts, err = r.GetAmountsOut(ctx, amountIn, path)
	})
	return amounts, err
}

// GetAmountsOut quotes amountIn along path. Inside a unit the quote includes
// the unit's uncommitted swaps.
func (r *Router) GetAmountsOut(_ context.Context, amountIn *uint256.Int, path []common.Address) ([]*uint256.Int, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("amm: %s: path of %d: %w", r.name, len(path), protocol.ErrInvalidPath)
	}
	amounts := make([]*uint256.Int, len(path))
	amounts[0] = amountIn.Clone()
	for i := 0; i < len(path)-1; i++ {
		reserveIn, reserveOut, err := r.reserves(path[i], path[i+1])
		if err != nil {
			return nil, err
		}
		out, err := GetAmountOut(amounts[i], reserveIn, reserveOut, r.fee)
		if err != nil {
			return nil, fmt.Errorf("amm: %s: hop %d: %w", r.name, i, err)
		}
		amounts[i+1] = out
	}
	return amounts, nil
}

// SwapExactTokensForTokens swaps amountIn of path[0] for at least
// amountOutMin of the last path token, delivered to `to`. The input is
// pulled from caller using the allowance caller granted the router.
func (r *Router) SwapExactTokensForTokens(ctx context.Context, caller common.Address, amountIn, amountOutMin *uint256.Int,
	path []common.Address, to common.Address, deadline time.Time) ([]*uint256.Int, error) {
	if r.now().After(deadline) {
		return nil, fmt.Errorf("amm: %s: %w", r.name, protocol.ErrExpired)
	}
	amounts, err := r.GetAmountsOut(ctx, amountIn, path)
	if err != nil {
		return nil, err
	}
	out := amounts[len(amounts)-1]
	if out.IsZero() || out.Lt(amountOutMin) {
		return nil, fmt.Errorf("amm: %s: out %s < min %s: %w", r.name, out.Dec(), amountOutMin.Dec(), protocol.ErrInsufficientOutputAmount)
	}

	first, _ := r.lookup(path[0], path[1])
	if err := r.ledger.TransferFrom(path[0], r.addr, caller, first.Address, amountIn); err != nil {
		return nil, fmt.Errorf("amm: %s: pull input: %w", r.name, err)
	}
	for i := 0; i < len(path)-1; i++ {
		p, _ := r.lookup(path[i], path[i+1])
		recipient := to
		if i < len(path)-2 {
			next, _ := r.lookup(path[i+1], path[i+2])
			recipient = next.Address
		}
		if err := r.ledger.Transfer(path[i+1], p.Address, recipient, amounts[i+1]); err != nil {
			return nil, fmt.Errorf("amm: %s: hop %d: %w", r.name, i, err)
		}
	}

	r.ledger.Emit(domain.Event{
		Kind:      domain.EventSwap,
		Emitter:   r.addr,
		Token:     path[len(path)-1],
		Amount:    out,
		Recipient: to,
	})
	return amounts, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/calldata"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/lending"
	"github.com/alanyoungcy/flasharb/internal/protocol"
	"github.com/alanyoungcy/flasharb/internal/slippage"
	"github.com/alanyoungcy/flasharb/internal/state"
)

var (
	weth       = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai        = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	engineAddr = common.HexToAddress("0xE000")
	controller = common.HexToAddress("0xC000")
	operator   = common.HexToAddress("0x0DE0")
	stranger   = common.HexToAddress("0xBAD0")
	poolAddr   = common.HexToAddress("0x7000")
	venueAAddr = common.HexToAddress("0xA000")
	venueBAddr = common.HexToAddress("0xB000")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRouter delivers a fixed output for any swap, regardless of pool
// math. quote overrides what GetAmountsOut reports.
type scriptedRouter struct {
	name      string
	addr      common.Address
	ledger    *state.Ledger
	out       *uint256.Int
	quote     *uint256.Int
	quoteErr  error
	swapErr   error
	ignoreMin bool
	onSwap    func()
	swaps     int
}

func (r *scriptedRouter) Address() common.Address { return r.addr }
func (r *scriptedRouter) Name() string            { return r.name }

func (r *scriptedRouter) GetAmountsOut(_ context.Context, amountIn *uint256.Int, path []common.Address) ([]*uint256.Int, error) {
	if r.quoteErr != nil {
		return nil, r.quoteErr
	}
	q := r.out
	if r.quote != nil {
		q = r.quote
	}
	return []*uint256.Int{amountIn.Clone(), q.Clone()}, nil
}

func (r *scriptedRouter) SwapExactTokensForTokens(_ context.Context, caller common.Address, amountIn, amountOutMin *uint256.Int,
	path []common.Address, to common.Address, _ time.Time) ([]*uint256.Int, error) {
	r.swaps++
	if r.onSwap != nil {
		r.onSwap()
	}
	if r.swapErr != nil {
		return nil, r.swapErr
	}
	if !r.ignoreMin && r.out.Lt(amountOutMin) {
		return nil, protocol.ErrInsufficientOutputAmount
	}
	if err := r.ledger.TransferFrom(path[0], r.addr, caller, r.addr, amountIn); err != nil {
		return nil, err
	}
	if err := r.ledger.Transfer(path[1], r.addr, to, r.out); err != nil {
		return nil, err
	}
	return []*uint256.Int{amountIn.Clone(), r.out.Clone()}, nil
}

// countingLender records loan requests before delegating.
type countingLender struct {
	protocol.FlashLender
	calls int
	after func() error
}

func (l *countingLender) FlashLoan(ctx context.Context, caller common.Address, receiver protocol.FlashLoanReceiver,
	assets []common.Address, amounts []*uint256.Int, params []byte) error {
	l.calls++
	if err := l.FlashLender.FlashLoan(ctx, caller, receiver, assets, amounts, params); err != nil {
		return err
	}
	if l.after != nil {
		return l.after()
	}
	return nil
}

// rogueLender disburses and calls back with a forged initiator or params.
type rogueLender struct {
	addr      common.Address
	ledger    *state.Ledger
	initiator *common.Address
	params    []byte
}

func (l *rogueLender) Address() common.Address { return l.addr }

func (l *rogueLender) FlashLoan(ctx context.Context, caller common.Address, receiver protocol.FlashLoanReceiver,
	assets []common.Address, amounts []*uint256.Int, params []byte) error {
	if err := l.ledger.Transfer(assets[0], l.addr, receiver.Address(), amounts[0]); err != nil {
		return err
	}
	initiator := caller
	if l.initiator != nil {
		initiator = *l.initiator
	}
	if l.params != nil {
		params = l.params
	}
	ok, err := receiver.ExecuteOperation(ctx, l.addr, assets, amounts, []*uint256.Int{u(0)}, initiator, params)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.ErrCallbackFailed
	}
	return nil
}

type harness struct {
	ledger *state.Ledger
	pool   *lending.Pool
	lender *countingLender
	venueA *scriptedRouter
	venueB *scriptedRouter
	engine *Engine
	clock  time.Time
}

// newHarness builds a world where leg 1 on venue A yields leg1Out DAI and
// leg 2 on venue B yields leg2Out WETH. The pool charges 50 bps, so a loan
// of 1000 owes 1005.
func newHarness(t *testing.T, leg1Out, leg2Out uint64) *harness {
	t.Helper()
	h := &harness{ledger: state.NewLedger(), clock: time.Unix(1_700_000_000, 0)}

	h.pool = lending.NewPool(poolAddr, 50, h.ledger)
	require.NoError(t, h.ledger.Mint(weth, poolAddr, u(1_000_000)))
	h.lender = &countingLender{FlashLender: h.pool}

	h.venueA = &scriptedRouter{name: "uniswap", addr: venueAAddr, ledger: h.ledger, out: u(leg1Out)}
	h.venueB = &scriptedRouter{name: "sushiswap", addr: venueBAddr, ledger: h.ledger, out: u(leg2Out)}
	for _, venue := range []common.Address{venueAAddr, venueBAddr} {
		require.NoError(t, h.ledger.Mint(weth, venue, u(1_000_000)))
		require.NoError(t, h.ledger.Mint(dai, venue, u(1_000_000)))
	}

	h.engine = h.newEngine(t, h.lender)
	return h
}

func (h *harness) newEngine(t *testing.T, lender protocol.FlashLender) *Engine {
	t.Helper()
	e, err := New(Config{
		Address:    engineAddr,
		Controller: controller,
		VenueA:     h.venueA,
		VenueB:     h.venueB,
		Lender:     lender,
		Ledger:     h.ledger,
		Now:        func() time.Time { return h.clock },
	}, discardLogger())
	require.NoError(t, err)
	return e
}

func (h *harness) request(amount uint64) domain.ArbitrageRequest {
	return domain.ArbitrageRequest{
		BorrowedAsset: weth,
		BorrowAmount:  u(amount),
		ProfitAsset:   dai,
		Deadline:      h.clock.Add(5 * time.Minute),
		LegOrder:      domain.VenueAFirst,
	}
}

// balances captures every party's balance of both assets.
func (h *harness) balances() map[string]uint64 {
	out := make(map[string]uint64)
	parties := map[string]common.Address{
		"engine": engineAddr, "controller": controller, "pool": poolAddr,
		"venueA": venueAAddr, "venueB": venueBAddr,
	}
	for name, addr := range parties {
		out[name+"/weth"] = h.ledger.BalanceOf(weth, addr).Uint64()
		out[name+"/dai"] = h.ledger.BalanceOf(dai, addr).Uint64()
	}
	return out
}

func eventKinds(events []domain.Event) []domain.EventKind {
	kinds := make([]domain.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestStartArbitrage_ProfitForwarded(t *testing.T) {
	h := newHarness(t, 1_020, 1_010)

	receipt, err := h.engine.StartArbitrage(context.Background(), operator, h.request(1_000))
	require.NoError(t, err)

	require.Len(t, receipt.Legs, 2)
	assert.Equal(t, venueAAddr, receipt.Legs[0].Venue)
	assert.Equal(t, uint64(1_020), receipt.Legs[0].AmountOut.Uint64())
	assert.Equal(t, venueBAddr, receipt.Legs[1].Venue)
	assert.Equal(t, uint64(1_020), receipt.Legs[1].AmountIn.Uint64())
	assert.Equal(t, uint64(1_010), receipt.Legs[1].AmountOut.Uint64())
	assert.Equal(t, uint64(5), receipt.Obligation.Premium.Uint64())
	assert.Equal(t, uint64(1_005), receipt.Obligation.Owed.Uint64())
	assert.Equal(t, uint64(5), receipt.Profit.Uint64())
	assert.Equal(t, controller, receipt.Recipient)

	assert.Equal(t, uint64(5), h.ledger.BalanceOf(weth, controller).Uint64())
	assert.Equal(t, uint64(1_000_005), h.pool.Liquidity(weth).Uint64())
	assert.True(t, h.ledger.BalanceOf(weth, engineAddr).IsZero())
	assert.True(t, h.ledger.BalanceOf(dai, engineAddr).IsZero())
	assert.True(t, h.ledger.Allowance(weth, engineAddr, poolAddr).IsZero())
	assert.True(t, h.ledger.Allowance(weth, engineAddr, venueAAddr).IsZero())

	assert.Equal(t, []domain.EventKind{domain.EventLoanTaken, domain.EventArbitrageCompleted, domain.EventFlashLoan}, eventKinds(receipt.Events))
	completed := receipt.Events[1]
	assert.Equal(t, weth, completed.Token)
	assert.Equal(t, uint64(5), completed.Amount.Uint64())
	assert.Equal(t, controller, completed.Recipient)
}

func TestStartArbitrage_VenueBFirst(t *testing.T) {
	h := newHarness(t, 1_010, 1_020)
	req := h.request(1_000)
	req.LegOrder = domain.VenueBFirst

	receipt, err := h.engine.StartArbitrage(context.Background(), operator, req)
	require.NoError(t, err)
	assert.Equal(t, venueBAddr, receipt.Legs[0].Venue)
	assert.Equal(t, venueAAddr, receipt.Legs[1].Venue)
	assert.Equal(t, uint64(5), receipt.Profit.Uint64())
}

func TestStartArbitrage_BreakEvenForwardsZero(t *testing.T) {
	h := newHarness(t, 1_020, 1_005)

	receipt, err := h.engine.StartArbitrage(context.Background(), operator, h.request(1_000))
	require.NoError(t, err)
	assert.True(t, receipt.Profit.IsZero())
	assert.True(t, h.ledger.BalanceOf(weth, controller).IsZero())
}

func TestStartArbitrage_UnprofitableRevertsEverything(t *testing.T) {
	h := newHarness(t, 1_020, 1_003)
	before := h.balances()

	receipt, err := h.engine.StartArbitrage(context.Background(), operator, h.request(1_000))
	require.ErrorIs(t, err, domain.ErrUnprofitableArbitrage)
	assert.Equal(t, "UnprofitableArbitrage", domain.ErrorKind(err))
	assert.Nil(t, receipt.Profit)
	assert.Equal(t, before, h.balances())
	assert.True(t, h.ledger.Allowance(weth, engineAddr, poolAddr).IsZero())

	// No event from the aborted run survives into the next unit.
	events, err := h.ledger.Atomic(func() error { return nil })
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStartArbitrage_ExistingBalanceDoesNotSubsidize(t *testing.T) {
	h := newHarness(t, 1_020, 1_003)
	require.NoError(t, h.ledger.Mint(weth, engineAddr, u(100)))

	_, err := h.engine.StartArbitrage(context.Background(), operator, h.request(1_000))
	require.ErrorIs(t, err, domain.ErrUnprofitableArbitrage)
	assert.Equal(t, uint64(100), h.ledger.BalanceOf(weth, engineAddr).Uint64())
}

func TestStartArbitrage_SubSecondDeadline(t *testing.T) {
	h := newHarness(t, 1_020, 1_010)
	h.clock = time.Unix(1_700_000_000, 700_000_000)
	req := h.request(1_000)
	req.Deadline = h.clock.Add(200 * time.Millisecond)

	receipt, err := h.engine.StartArbitrage(context.Background(), operator, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), receipt.Profit.Uint64())
	require.Len(t, receipt.Legs, 2)
}

func TestStartArbitrage_LegFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name: "venue enforces floor",
			setup: func(h *harness) {
				h.venueA.quote = u(1_020)
				h.venueA.out = u(1_000)
			},
			wantErr: domain.ErrSlippageViolation,
		},
		{
			name: "engine enforces floor",
			setup: func(h *harness) {
				h.venueA.quote = u(1_020)
				h.venueA.out = u(1_000)
				h.venueA.ignoreMin = true
			},
			wantErr: domain.ErrSlippageViolation,
		},
		{
			name:    "router reports expiry",
			setup:   func(h *harness) { h.venueB.swapErr = protocol.ErrExpired },
			wantErr: domain.ErrDeadlineExceeded,
		},
		{
			name: "deadline passes between legs",
			setup: func(h *harness) {
				h.venueA.onSwap = func() { h.clock = h.clock.Add(10 * time.Minute) }
			},
			wantErr: domain.ErrDeadlineExceeded,
		},
		{
			name:    "quote fails",
			setup:   func(h *harness) { h.venueA.quoteErr = protocol.ErrInsufficientLiquidity },
			wantErr: domain.ErrVenueCallFailed,
		},
		{
			name:    "swap fails",
			setup:   func(h *harness) { h.venueB.swapErr = protocol.ErrInvalidPath },
			wantErr: domain.ErrVenueCallFailed,
		},
		{
			name: "repayment pull fails",
			setup: func(h *harness) {
				h.lender.after = func() error { return fmt.Errorf("pull: %w", protocol.ErrRepaymentPull) }
			},
			wantErr: domain.ErrRepaymentTransferFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1_020, 1_010)
			tt.setup(h)
			before := h.balances()

			_, err := h.engine.StartArbitrage(context.Background(), operator, h.request(1_000))
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before, h.balances())
		})
	}
}

func TestStartArbitrage_SlippageFloorUsesTolerance(t *testing.T) {
	h := newHarness(t, 1_020, 1_010)
	_, err := h.engine.SetSlippageTolerance(controller, 100)
	require.NoError(t, err)

	// Quote 1020 with 1% tolerance floors at 1009; delivering 1015 is fine.
	h.venueA.quote = u(1_020)
	h.venueA.out = u(1_015)
	h.venueB.out = u(1_010)

	receipt, err := h.engine.StartArbitrage(context.Background(), operator, h.request(1_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_009), receipt.Legs[0].MinOut.Uint64())
}

func TestStartArbitrage_InputValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(h *harness, r *domain.ArbitrageRequest)
		wantErr error
	}{
		{
			name:    "deadline in past",
			mutate:  func(h *harness, r *domain.ArbitrageRequest) { r.Deadline = h.clock.Add(-time.Second) },
			wantErr: domain.ErrDeadlineInPast,
		},
		{
			name:    "deadline now",
			mutate:  func(h *harness, r *domain.ArbitrageRequest) { r.Deadline = h.clock },
			wantErr: domain.ErrDeadlineInPast,
		},
		{
			name:    "zero amount",
			mutate:  func(_ *harness, r *domain.ArbitrageRequest) { r.BorrowAmount = u(0) },
			wantErr: domain.ErrZeroAmount,
		},
		{
			name:    "nil amount",
			mutate:  func(_ *harness, r *domain.ArbitrageRequest) { r.BorrowAmount = nil },
			wantErr: domain.ErrZeroAmount,
		},
		{
			name:    "same asset",
			mutate:  func(_ *harness, r *domain.ArbitrageRequest) { r.ProfitAsset = r.BorrowedAsset },
			wantErr: domain.ErrMalformedRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1_020, 1_010)
			req := h.request(1_000)
			tt.mutate(h, &req)

			_, err := h.engine.StartArbitrage(context.Background(), operator, req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, h.lender.calls, "no loan may be requested")
		})
	}
}

func TestExecuteOperation_RejectsUntrustedCallers(t *testing.T) {
	h := newHarness(t, 1_020, 1_010)
	params, err := calldata.EncodeRequest(h.request(1_000))
	require.NoError(t, err)
	ctx := context.Background()
	assets := []common.Address{weth}
	amounts := []*uint256.Int{u(1_000)}
	premiums := []*uint256.Int{u(5)}

	_, err = h.engine.ExecuteOperation(ctx, stranger, assets, amounts, premiums, engineAddr, params)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCallback)

	// Even the lender cannot call back outside a gateway run.
	_, err = h.engine.ExecuteOperation(ctx, poolAddr, assets, amounts, premiums, engineAddr, params)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCallback)

	// Garbage payload from an untrusted caller is still an authorization failure.
	_, err = h.engine.ExecuteOperation(ctx, stranger, nil, nil, nil, stranger, []byte{1, 2, 3})
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCallback)
}

func TestExecuteOperation_ForgedLoans(t *testing.T) {
	t.Run("foreign initiator", func(t *testing.T) {
		h := newHarness(t, 1_020, 1_010)
		rogue := &rogueLender{addr: poolAddr, ledger: h.ledger, initiator: &stranger}
		e := h.newEngine(t, rogue)

		_, err := e.StartArbitrage(context.Background(), operator, h.request(1_000))
		assert.ErrorIs(t, err, domain.ErrUnauthorizedCallback)
	})

	t.Run("tampered params", func(t *testing.T) {
		h := newHarness(t, 1_020, 1_010)
		forged := h.request(1_000)
		forged.BorrowAmount = u(999)
		params, err := calldata.EncodeRequest(forged)
		require.NoError(t, err)
		rogue := &rogueLender{addr: poolAddr, ledger: h.ledger, params: params}
		e := h.newEngine(t, rogue)

		_, err = e.StartArbitrage(context.Background(), operator, h.request(1_000))
		assert.ErrorIs(t, err, domain.ErrMalformedRequest)
	})

	t.Run("undecodable params", func(t *testing.T) {
		h := newHarness(t, 1_020, 1_010)
		rogue := &rogueLender{addr: poolAddr, ledger: h.ledger, params: []byte{0xde, 0xad}}
		e := h.newEngine(t, rogue)

		_, err := e.StartArbitrage(context.Background(), operator, h.request(1_000))
		assert.ErrorIs(t, err, domain.ErrMalformedRequest)
	})
}

func TestSetSlippageTolerance(t *testing.T) {
	h := newHarness(t, 1_020, 1_010)
	e := h.engine

	_, err := e.SetSlippageTolerance(stranger, 50)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, slippage.Tolerance(0), e.SlippageTolerance())

	_, err = e.SetSlippageTolerance(controller, 10_000)
	require.ErrorIs(t, err, domain.ErrInvalidTolerance)
	assert.Equal(t, slippage.Tolerance(0), e.SlippageTolerance())

	events, err := e.SetSlippageTolerance(controller, 75)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventToleranceUpdated, events[0].Kind)
	assert.Equal(t, uint32(75), events[0].ToleranceBps)

	for i := 0; i < 3; i++ {
		assert.Equal(t, slippage.Tolerance(75), e.SlippageTolerance())
	}
	assert.Equal(t, uint32(75), e.Params().ToleranceBps)
}

func TestSetSlippageTolerance_WaitsForActiveRun(t *testing.T) {
	h := newHarness(t, 1_020, 1_010)
	e := h.engine

	done := make(chan error, 1)
	h.venueA.onSwap = func() {
		go func() {
			_, err := e.SetSlippageTolerance(controller, 200)
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, slippage.Tolerance(0), e.SlippageTolerance(), "update must not land mid-run")
	}

	receipt, err := e.StartArbitrage(context.Background(), operator, h.request(1_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_010), receipt.Legs[1].MinOut.Uint64(), "run keeps the tolerance it started with")

	require.NoError(t, <-done)
	assert.Equal(t, slippage.Tolerance(200), e.SlippageTolerance())
}

func TestWithdrawToken(t *testing.T) {
	h := newHarness(t, 1_020, 1_010)
	e := h.engine
	require.NoError(t, h.ledger.Mint(dai, engineAddr, u(40)))

	_, err := e.WithdrawToken(stranger, dai, u(40))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, uint64(40), e.Balance(dai).Uint64())

	_, err = e.WithdrawToken(controller, dai, u(0))
	require.ErrorIs(t, err, domain.ErrZeroAmount)

	_, err = e.WithdrawToken(controller, dai, u(41))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	events, err := e.WithdrawToken(controller, dai, u(40))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventWithdrawal, events[0].Kind)
	assert.Equal(t, uint64(40), h.ledger.BalanceOf(dai, controller).Uint64())
	assert.True(t, e.Balance(dai).IsZero())
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, 1, 1)
	_, err := New(Config{
		Address:    engineAddr,
		Controller: controller,
		VenueA:     h.venueA,
		VenueB:     h.venueA,
		Lender:     h.pool,
		Ledger:     h.ledger,
		Tolerance:  slippage.Tolerance(10_000),
	}, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidTolerance)
	assert.Contains(t, err.Error(), "venues must be distinct")

	_, err = New(Config{}, discardLogger())
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrInvalidTolerance))
}

func TestAccessors(t *testing.T) {
	h := newHarness(t, 1, 1)
	a, b := h.engine.Routers()
	assert.Equal(t, venueAAddr, a)
	assert.Equal(t, venueBAddr, b)
	assert.Equal(t, controller, h.engine.Controller())

	p := h.engine.Params()
	assert.Equal(t, engineAddr, p.Engine)
	assert.Equal(t, controller, p.Controller)
	assert.Equal(t, uint32(0), p.ToleranceBps)
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/engine"
	"github.com/alanyoungcy/flasharb/internal/lending"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/notify"
	"github.com/alanyoungcy/flasharb/internal/state"
	"github.com/alanyoungcy/flasharb/internal/units"
	"github.com/alanyoungcy/flasharb/internal/venue/amm"
)

var (
	weth       = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai        = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	engineAddr = common.HexToAddress("0xE000")
	controller = common.HexToAddress("0xC000")
	stranger   = common.HexToAddress("0xBAD0")
	provider   = common.HexToAddress("0x1100")
	poolAddr   = common.HexToAddress("0x7000")
)

var clock = time.Unix(1_700_000_000, 0)

func eth(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEngine builds a market where DAI is cheaper on venue A (3000/WETH) than
// on venue B (3300/WETH), so buying DAI on B and selling it on A profits.
func newEngine(t *testing.T) (*engine.Engine, *state.Ledger) {
	t.Helper()
	ledger := state.NewLedger()
	now := func() time.Time { return clock }

	require.NoError(t, ledger.Mint(weth, provider, eth(2_000)))
	require.NoError(t, ledger.Mint(dai, provider, eth(6_300_000)))
	require.NoError(t, ledger.Mint(weth, poolAddr, eth(10_000)))

	venueA, err := amm.New("uniswap", common.HexToAddress("0xA000"), 997, ledger, amm.WithClock(now))
	require.NoError(t, err)
	_, err = venueA.AddLiquidity(provider, weth, dai, eth(1_000), eth(3_000_000))
	require.NoError(t, err)
	venueB, err := amm.New("sushiswap", common.HexToAddress("0xB000"), 997, ledger, amm.WithClock(now))
	require.NoError(t, err)
	_, err = venueB.AddLiquidity(provider, weth, dai, eth(1_000), eth(3_300_000))
	require.NoError(t, err)

	e, err := engine.New(engine.Config{
		Address:    engineAddr,
		Controller: controller,
		VenueA:     venueA,
		VenueB:     venueB,
		Lender:     lending.NewPool(poolAddr, lending.DefaultPremiumBps, ledger),
		Ledger:     ledger,
		Now:        now,
	}, discardLogger())
	require.NoError(t, err)
	return e, ledger
}

func request(order domain.LegOrder) domain.ArbitrageRequest {
	return domain.ArbitrageRequest{
		BorrowedAsset: weth,
		BorrowAmount:  eth(1),
		ProfitAsset:   dai,
		Deadline:      clock.Add(5 * time.Minute),
		LegOrder:      order,
	}
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type memRuns struct {
	mu   sync.Mutex
	runs []domain.Run
}

func (m *memRuns) Create(_ context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRuns) GetByID(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Run{}, domain.ErrNotFound
}

func (m *memRuns) ListRecent(_ context.Context, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[:min(limit, len(m.runs))], nil
}

func (m *memRuns) SumProfit(context.Context, common.Address, time.Time) (*uint256.Int, error) {
	return new(uint256.Int), nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memParams struct {
	stored *domain.EngineParams
}

func (m *memParams) Get(_ context.Context, _ common.Address) (domain.EngineParams, error) {
	if m.stored == nil {
		return domain.EngineParams{}, domain.ErrNotFound
	}
	return *m.stored, nil
}

func (m *memParams) Upsert(_ context.Context, p domain.EngineParams) error {
	m.stored = &p
	return nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte), streamed: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) kinds(channel string) []domain.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.EventKind
	for _, p := range b.published[channel] {
		var ev domain.EventJSON
		if err := json.Unmarshal(p, &ev); err == nil {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type fakeArchive struct {
	runs []domain.Run
	err  error
}

func (a *fakeArchive) Archive(_ context.Context, run domain.Run, _ []domain.Event) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.runs = append(a.runs, run)
	return "receipts/" + run.ID + ".json", nil
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

type fixture struct {
	svc     *RunService
	ledger  *state.Ledger
	locks   *fakeLocks
	runs    *memRuns
	audit   *memAudit
	params  *memParams
	bus     *fakeBus
	archive *fakeArchive
	sender  *recordingSender
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	e, ledger := newEngine(t)
	tokens, err := units.NewRegistry(
		units.Token{Symbol: "WETH", Address: weth, Decimals: 18},
		units.Token{Symbol: "DAI", Address: dai, Decimals: 18},
	)
	require.NoError(t, err)

	f := &fixture{
		ledger:  ledger,
		locks:   &fakeLocks{},
		runs:    &memRuns{},
		audit:   &memAudit{},
		params:  &memParams{},
		bus:     newFakeBus(),
		archive: &fakeArchive{},
		sender:  &recordingSender{},
		metrics: metrics.New(),
	}
	f.svc = NewRunService(e, Deps{
		Locks:    f.locks,
		Runs:     f.runs,
		Audit:    f.audit,
		Params:   f.params,
		Bus:      f.bus,
		Archive:  f.archive,
		Notifier: notify.NewNotifier([]notify.Sender{f.sender}, nil, discardLogger()),
		Metrics:  f.metrics,
	}, Config{Tokens: tokens, Now: func() time.Time { return clock }}, discardLogger())
	return f
}

func TestStart_ProfitableRunIsRecordedAndPublished(t *testing.T) {
	f := newFixture(t)

	run, receipt, err := f.svc.Start(context.Background(), "api", stranger, request(domain.VenueBFirst))
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "api", run.Source)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Empty(t, run.ErrorKind)
	require.Len(t, run.Legs, 2)
	assert.Equal(t, "sushiswap", run.Legs[0].VenueName)
	assert.False(t, run.Profit.IsZero())
	assert.True(t, run.Profit.Eq(receipt.Profit))
	assert.True(t, f.ledger.BalanceOf(weth, controller).Eq(run.Profit))

	assert.Equal(t, []string{"engine:" + engineAddr.Hex()}, f.locks.acquired)
	assert.Empty(t, f.locks.held, "lock released after the run")
	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, run.ID, f.runs.runs[0].ID)
	assert.Equal(t, []string{"run.succeeded"}, f.audit.events)
	assert.Equal(t, []domain.EventKind{
		domain.EventLoanTaken,
		domain.EventSwap,
		domain.EventSwap,
		domain.EventArbitrageCompleted,
		domain.EventFlashLoan,
	}, f.bus.kinds(domain.ChannelArb))
	assert.Len(t, f.bus.streamed[domain.StreamArb], 5)
	assert.Len(t, f.bus.published[domain.ChannelStatus], 1)
	require.Len(t, f.archive.runs, 1)
	assert.Equal(t, run.ID, f.archive.runs[0].ID)
	assert.Equal(t, []string{"Arbitrage completed"}, f.sender.titles)

	succeeded, failed := f.svc.Counts()
	assert.Equal(t, int64(1), succeeded)
	assert.Equal(t, int64(0), failed)
}

func TestStart_UnprofitableRunIsRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	before := f.ledger.BalanceOf(weth, poolAddr)

	run, _, err := f.svc.Start(context.Background(), "scanner", stranger, request(domain.VenueAFirst))
	require.ErrorIs(t, err, domain.ErrUnprofitableArbitrage)

	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "UnprofitableArbitrage", run.ErrorKind)
	assert.Nil(t, run.Profit)
	assert.Empty(t, run.Legs)
	assert.True(t, f.ledger.BalanceOf(weth, poolAddr).Eq(before), "loan reverted")

	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, []string{"run.failed"}, f.audit.events)
	assert.Empty(t, f.bus.published[domain.ChannelArb], "reverted runs emit no events")
	assert.Len(t, f.bus.published[domain.ChannelStatus], 1)
	assert.Equal(t, []string{"Arbitrage aborted"}, f.sender.titles)

	_, failed := f.svc.Counts()
	assert.Equal(t, int64(1), failed)
}

func TestStart_LockHeldSkipsRun(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.locks.Acquire(context.Background(), "engine:"+engineAddr.Hex(), time.Second)
	require.NoError(t, err)
	defer unlock()

	_, _, err = f.svc.Start(context.Background(), "api", stranger, request(domain.VenueBFirst))
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Empty(t, f.runs.runs)
	assert.True(t, f.ledger.BalanceOf(weth, controller).IsZero())
}

func TestStart_ArchiveFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.archive.err = fmt.Errorf("s3 down")

	run, _, err := f.svc.Start(context.Background(), "api", stranger, request(domain.VenueBFirst))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
}

func TestStart_WithoutCollaborators(t *testing.T) {
	e, _ := newEngine(t)
	svc := NewRunService(e, Deps{}, Config{Now: func() time.Time { return clock }}, discardLogger())

	run, _, err := svc.Start(context.Background(), "api", stranger, request(domain.VenueBFirst))
	require.NoError(t, err)

	got, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = svc.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListRuns_NewestFirstFromMemory(t *testing.T) {
	e, _ := newEngine(t)
	svc := NewRunService(e, Deps{}, Config{RecentRuns: 2, Now: func() time.Time { return clock }}, discardLogger())

	var ids []string
	for range 3 {
		run, _, _ := svc.Start(context.Background(), "api", stranger, request(domain.VenueAFirst))
		ids = append(ids, run.ID)
	}

	runs, err := svc.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
}

func TestSetSlippageTolerance(t *testing.T) {
	f := newFixture(t)

	params, err := f.svc.SetSlippageTolerance(context.Background(), controller, 75)
	require.NoError(t, err)
	assert.Equal(t, uint32(75), params.ToleranceBps)
	require.NotNil(t, f.params.stored)
	assert.Equal(t, uint32(75), f.params.stored.ToleranceBps)
	assert.Equal(t, []string{"tolerance.updated"}, f.audit.events)
	assert.Equal(t, []domain.EventKind{domain.EventToleranceUpdated}, f.bus.kinds(domain.ChannelArb))
	assert.Len(t, f.sender.titles, 1)
}

func TestSetSlippageTolerance_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		bps    uint64
		want   error
	}{
		{"not controller", stranger, 75, domain.ErrUnauthorized},
		{"over 100 percent", controller, 10_001, domain.ErrInvalidTolerance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.SetSlippageTolerance(context.Background(), tt.caller, tt.bps)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, f.params.stored)
			assert.Equal(t, []string{"tolerance.rejected"}, f.audit.events)
			assert.Empty(t, f.sender.titles)
		})
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Mint(dai, engineAddr, eth(10)))

	events, err := f.svc.Withdraw(context.Background(), controller, dai, eth(4))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventWithdrawal, events[0].Kind)
	assert.True(t, f.ledger.BalanceOf(dai, controller).Eq(eth(4)))
	assert.Equal(t, []string{"withdrawal"}, f.audit.events)
	assert.Equal(t, []domain.EventKind{domain.EventWithdrawal}, f.bus.kinds(domain.ChannelArb))

	_, err = f.svc.Withdraw(context.Background(), stranger, dai, eth(1))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.svc.Withdraw(context.Background(), controller, dai, eth(100))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, f.ledger.BalanceOf(dai, engineAddr).Eq(eth(6)))
}

func TestRestoreParams(t *testing.T) {
	t.Run("saves current params when none stored", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.svc.RestoreParams(context.Background()))
		require.NotNil(t, f.params.stored)
		assert.Equal(t, engineAddr, f.params.stored.Engine)
		assert.Equal(t, uint32(0), f.params.stored.ToleranceBps)
	})

	t.Run("reapplies stored tolerance", func(t *testing.T) {
		f := newFixture(t)
		current := f.svc.Engine().Params()
		current.ToleranceBps = 120
		f.params.stored = &current

		require.NoError(t, f.svc.RestoreParams(context.Background()))
		assert.Equal(t, uint32(120), f.svc.Engine().Params().ToleranceBps)
	})

	t.Run("invalid stored tolerance", func(t *testing.T) {
		f := newFixture(t)
		current := f.svc.Engine().Params()
		current.ToleranceBps = 20_000
		f.params.stored = &current

		err := f.svc.RestoreParams(context.Background())
		require.ErrorIs(t, err, domain.ErrInvalidTolerance)
	})
}

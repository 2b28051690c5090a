package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/service"
	"github.com/alanyoungcy/flasharb/internal/sim"
)

var (
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	clock = time.Unix(1_700_000_000, 0)
)

func eth(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorld(t *testing.T) (*sim.World, *service.QuoteService) {
	t.Helper()
	cfg := config.Defaults()
	w, err := sim.Build(&cfg, sim.Options{
		EngineAddress: common.HexToAddress("0xE000"),
		Controller:    common.HexToAddress("0xC000"),
		Now:           func() time.Time { return clock },
	}, discardLogger())
	require.NoError(t, err)
	return w, service.NewQuoteService(w.VenueA, w.VenueB, w.Pool.PremiumBps())
}

func newScanner(quotes Quoter, out chan domain.Candidate) *Scanner {
	s := New(Config{
		Interval:    time.Second,
		RunDeadline: 5 * time.Minute,
		Pairs:       []Pair{{Borrowed: weth, Profit: dai, Amount: eth(10), MinProfit: eth(1)}},
	}, quotes, out, nil, nil, discardLogger())
	s.now = func() time.Time { return clock }
	return s
}

func TestScan_BalancedMarketsEmitNothing(t *testing.T) {
	_, quotes := newWorld(t)
	out := make(chan domain.Candidate, 4)

	assert.Empty(t, newScanner(quotes, out).Scan(context.Background()))
	assert.Empty(t, out)
}

func TestScan_DivergedMarketsEmitCandidate(t *testing.T) {
	w, quotes := newWorld(t)
	// Dumping WETH on venue A makes it cheap there: sell the borrowed WETH
	// on B and buy it back on A.
	_, err := w.Swap(context.Background(), w.VenueA, weth, dai, eth(500))
	require.NoError(t, err)

	out := make(chan domain.Candidate, 4)
	found := newScanner(quotes, out).Scan(context.Background())
	require.Len(t, found, 1)

	c := <-out
	assert.Equal(t, found[0].ID, c.ID)
	assert.Equal(t, "scanner", c.Source)
	assert.Equal(t, domain.VenueBFirst, c.LegOrder)
	assert.True(t, c.BorrowAmount.Eq(eth(10)))
	assert.False(t, c.ExpectedProfit.Lt(eth(1)))
	assert.Equal(t, clock.Add(5*time.Minute), c.Deadline)

	// The candidate actually runs profitably against the same world.
	receipt, err := w.Engine.StartArbitrage(context.Background(), common.HexToAddress("0x0DE0"), c.Request())
	require.NoError(t, err)
	assert.False(t, receipt.Profit.IsZero())
}

func TestScan_BelowMinProfit(t *testing.T) {
	w, quotes := newWorld(t)
	_, err := w.Swap(context.Background(), w.VenueA, weth, dai, eth(500))
	require.NoError(t, err)

	out := make(chan domain.Candidate, 4)
	s := newScanner(quotes, out)
	s.cfg.Pairs[0].MinProfit = eth(1_000)
	assert.Empty(t, s.Scan(context.Background()))
}

type failingQuoter struct{}

func (failingQuoter) Best(context.Context, common.Address, common.Address, *uint256.Int) (service.Quote, error) {
	return service.Quote{}, errors.New("venue down")
}

func TestScan_QuoteFailureSkipsPair(t *testing.T) {
	out := make(chan domain.Candidate, 1)
	assert.Empty(t, newScanner(failingQuoter{}, out).Scan(context.Background()))
}

func TestScan_FullQueueDrops(t *testing.T) {
	w, quotes := newWorld(t)
	_, err := w.Swap(context.Background(), w.VenueA, weth, dai, eth(500))
	require.NoError(t, err)

	out := make(chan domain.Candidate)
	found := newScanner(quotes, out).Scan(context.Background())
	assert.Len(t, found, 1)
	assert.Empty(t, out)
}

func TestRun_TriggersBeforeScanning(t *testing.T) {
	w, quotes := newWorld(t)
	out := make(chan domain.Candidate, 4)
	triggered := make(chan struct{}, 1)

	s := New(Config{
		Interval:    10 * time.Millisecond,
		RunDeadline: time.Minute,
		Pairs:       []Pair{{Borrowed: weth, Profit: dai, Amount: eth(10), MinProfit: eth(1)}},
	}, quotes, out, func(ctx context.Context) error {
		select {
		case triggered <- struct{}{}:
			_, err := w.Swap(ctx, w.VenueA, weth, dai, eth(500))
			return err
		default:
			return nil
		}
	}, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case c := <-out:
		assert.Equal(t, domain.VenueBFirst, c.LegOrder)
	case <-time.After(5 * time.Second):
		t.Fatal("no candidate after trigger")
	}
}

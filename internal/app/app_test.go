package app

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

	"github.com/alanyoungcy/flasharb/internal/cache/memory"
	"github.com/alanyoungcy/flasharb/internal/config"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Wallet.PrivateKey = testKeyHex
	cfg.Server.Enabled = false
	return &cfg
}

func base(t *testing.T, n string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(n)
	require.NoError(t, err)
	return v
}

func TestWire_InProcess(t *testing.T) {
	cfg := testConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.SignalBus{}, deps.SignalBus)
	assert.Nil(t, deps.RunStore)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.HealthChecks)

	p := deps.World.Engine.Params()
	assert.Equal(t, deps.Identity.Address(), p.Controller)
	assert.Equal(t, deps.Identity.DeployAddress(0), p.Engine)
	assert.EqualValues(t, 50, p.ToleranceBps)
	assert.Equal(t, deps.World.VenueA.Address(), p.VenueA)
}

func TestWire_MissingKey(t *testing.T) {
	cfg := testConfig()
	cfg.Wallet.PrivateKey = ""
	_, _, err := Wire(context.Background(), cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: wallet")
}

func TestMaxBorrowLimits(t *testing.T) {
	cfg := testConfig()
	limits, err := maxBorrowLimits(cfg)
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, base(t, "1000000000000000000000"), limits[weth])

	cfg.Executor.MaxBorrow = map[string]string{"USDC": "5"}
	_, err = maxBorrowLimits(cfg)
	assert.Error(t, err)
}

func TestScannerPairs(t *testing.T) {
	cfg := testConfig()
	pairs, err := scannerPairs(cfg)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, weth, pairs[0].Borrowed)
	assert.Equal(t, dai, pairs[0].Profit)
	assert.Equal(t, base(t, "10000000000000000000"), pairs[0].Amount)
	assert.Equal(t, base(t, "1000000000000000"), pairs[0].MinProfit)

	cfg.Scanner.Pairs[0].MinProfit = ""
	pairs, err = scannerPairs(cfg)
	require.NoError(t, err)
	assert.True(t, pairs[0].MinProfit.IsZero())

	cfg.Scanner.Pairs[0].Profit = "USDC"
	_, err = scannerPairs(cfg)
	assert.Error(t, err)
}

func TestNoiseTrigger(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, discardLogger())
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()
	pairs, err := scannerPairs(cfg)
	require.NoError(t, err)

	trigger, err := a.noiseTrigger(deps, pairs)
	require.NoError(t, err)
	require.NotNil(t, trigger)

	before, _, err := deps.World.VenueA.Reserves(weth, dai)
	require.NoError(t, err)
	require.NoError(t, trigger(context.Background()))
	after, _, err := deps.World.VenueA.Reserves(weth, dai)
	require.NoError(t, err)
	assert.NotEqual(t, before.Dec(), after.Dec())

	untouched, _, err := deps.World.VenueB.Reserves(weth, dai)
	require.NoError(t, err)
	assert.Equal(t, base(t, "3000000000000000000000"), untouched)

	cfg.Scanner.Trigger.Max = ""
	trigger, err = a.noiseTrigger(deps, pairs)
	require.NoError(t, err)
	assert.Nil(t, trigger)

	cfg.Scanner.Trigger = config.TriggerRange{Min: "10", Max: "1"}
	_, err = a.noiseTrigger(deps, pairs)
	assert.Error(t, err)
}

func TestSupervise(t *testing.T) {
	boom := errors.New("boom")

	err := supervise(context.Background(), "worker", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "worker")

	err = supervise(context.Background(), "worker", func(context.Context) error { return nil })
	assert.ErrorContains(t, err, "stopped unexpectedly")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = supervise(ctx, "worker", func(ctx context.Context) error { return ctx.Err() })
	assert.NoError(t, err)
}

func TestServeMode_StopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "serve"
	a := New(cfg, discardLogger())
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.ServeMode(ctx, deps))
}

func TestRun_UnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "trade"
	a := New(cfg, discardLogger())
	defer a.Close()
	err := a.Run(context.Background())
	assert.ErrorContains(t, err, "unsupported mode")
}

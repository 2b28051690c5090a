package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/units"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventArbitrageCompleted, " "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventArbitrageFailed, "dropped", ""))
	require.NoError(t, n.Notify(context.Background(), EventArbitrageCompleted, "kept", ""))
	assert.Equal(t, []string{"kept"}, s.titles)

	assert.True(t, n.Enabled(EventArbitrageCompleted))
	assert.False(t, n.Enabled(EventWithdrawal))
	assert.False(t, NewNotifier(nil, nil, discardLogger()).Enabled(EventWithdrawal))
}

func TestNotifierTriesEverySender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), EventWithdrawal, "w", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")
}

func TestFormatter(t *testing.T) {
	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	reg, err := units.NewRegistry(
		units.Token{Symbol: "WETH", Address: weth, Decimals: 18},
		units.Token{Symbol: "DAI", Address: dai, Decimals: 18},
	)
	require.NoError(t, err)
	f := NewFormatter(reg)

	eth := func(milli uint64) *uint256.Int {
		return new(uint256.Int).Mul(uint256.NewInt(milli), uint256.NewInt(1_000_000_000_000_000))
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	run := domain.Run{
		ID: "r1",
		Request: domain.ArbitrageRequest{
			BorrowedAsset: weth, BorrowAmount: eth(10_000), ProfitAsset: dai, LegOrder: domain.VenueAFirst,
		},
		Legs: []domain.SwapOutcome{
			{VenueName: "uniswap", AssetIn: weth, AssetOut: dai, AmountIn: eth(10_000), AmountOut: eth(30_000_000)},
			{VenueName: "sushiswap", AssetIn: dai, AssetOut: weth, AmountIn: eth(30_000_000), AmountOut: eth(10_020)},
		},
		Owed:       eth(10_009),
		Profit:     eth(11),
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}

	title, msg := f.RunCompleted(run)
	assert.Equal(t, "Arbitrage completed", title)
	assert.Contains(t, msg, "Borrowed 10 WETH, traded via DAI")
	assert.Contains(t, msg, "Leg 2 on sushiswap: 30000 DAI -> 10.02 WETH")
	assert.Contains(t, msg, "Repaid 10.009 WETH")
	assert.Contains(t, msg, "Profit 0.011 WETH (run r1, 1s)")

	run.ErrorKind, run.Error, run.Source = "SlippageViolation", "leg 1: below floor", "scanner"
	title, msg = f.RunFailed(run)
	assert.Equal(t, "Arbitrage aborted", title)
	assert.Contains(t, msg, "SlippageViolation borrowing 10 WETH (venue_a_first)")

	_, msg = f.ToleranceUpdated(50, 125)
	assert.Equal(t, "0.50% -> 1.25%", msg)

	_, msg = f.Withdrawal(dai, eth(2_500), common.HexToAddress("0x0b"))
	assert.Equal(t, "2.5 DAI sent to "+common.HexToAddress("0x0b").Hex(), msg)
}

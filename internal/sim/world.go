// Package sim builds the in-process market the engine runs against: the
// shared ledger, the configured tokens, constant-product venues seeded with
// pool reserves, and the flash-loan pool.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/engine"
	"github.com/alanyoungcy/flasharb/internal/lending"
	"github.com/alanyoungcy/flasharb/internal/slippage"
	"github.com/alanyoungcy/flasharb/internal/state"
	"github.com/alanyoungcy/flasharb/internal/units"
	"github.com/alanyoungcy/flasharb/internal/venue/amm"
)

// Well-known simulation actors. Their addresses are derived from a label so
// they never collide with configured contracts.
var (
	LiquidityProvider = Actor("liquidity-provider")
	Trader            = Actor("noise-trader")
)

// Actor derives a stable address for a simulation participant.
func Actor(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("flasharb/sim/" + label))[12:])
}

// World is the simulated chain state shared by the engine, the venues and
// the lender.
type World struct {
	Ledger *state.Ledger
	Tokens *units.Registry
	Venues map[string]*amm.Router
	VenueA *amm.Router
	VenueB *amm.Router
	Pool   *lending.Pool
	Engine *engine.Engine

	now func() time.Time
}

// Options carries the identities that do not come from the config file.
type Options struct {
	// EngineAddress is used when engine.address is empty.
	EngineAddress common.Address
	// Controller is used when engine.controller is empty.
	Controller common.Address
	Now        func() time.Time
}

// Build creates the world described by cfg. cfg must have passed Validate.
func Build(cfg *config.Config, opts Options, logger *slog.Logger) (*World, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	tokens := make([]units.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, units.Token{
			Symbol:   strings.ToUpper(t.Symbol),
			Address:  common.HexToAddress(t.Address),
			Decimals: int32(t.Decimals),
		})
	}
	registry, err := units.NewRegistry(tokens...)
	if err != nil {
		return nil, fmt.Errorf("sim: tokens: %w", err)
	}

	w := &World{
		Ledger: state.NewLedger(),
		Tokens: registry,
		Venues: make(map[string]*amm.Router, len(cfg.Venues)),
		now:    now,
	}

	for _, v := range cfg.Venues {
		r, err := amm.New(v.Name, common.HexToAddress(v.Address), uint64(v.Fee), w.Ledger, amm.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("sim: venue %s: %w", v.Name, err)
		}
		w.Venues[strings.ToLower(v.Name)] = r
	}

	if err := w.seedPools(cfg); err != nil {
		return nil, err
	}

	w.Pool = lending.NewPool(common.HexToAddress(cfg.Lending.Address), uint32(cfg.Lending.PremiumBps), w.Ledger)
	for sym, amount := range cfg.Lending.Liquidity {
		token, value, err := w.amount(cfg, sym, amount)
		if err != nil {
			return nil, fmt.Errorf("sim: lending liquidity: %w", err)
		}
		if err := w.Ledger.Mint(token, LiquidityProvider, value); err != nil {
			return nil, fmt.Errorf("sim: lending liquidity %s: %w", sym, err)
		}
		if err := w.Pool.Deposit(token, LiquidityProvider, value); err != nil {
			return nil, fmt.Errorf("sim: lending liquidity %s: %w", sym, err)
		}
	}

	w.VenueA = w.Venues[strings.ToLower(cfg.Engine.VenueA)]
	w.VenueB = w.Venues[strings.ToLower(cfg.Engine.VenueB)]
	if w.VenueA == nil || w.VenueB == nil {
		return nil, fmt.Errorf("sim: engine venues %q/%q not configured", cfg.Engine.VenueA, cfg.Engine.VenueB)
	}

	engineAddr := opts.EngineAddress
	if cfg.Engine.Address != "" {
		engineAddr = common.HexToAddress(cfg.Engine.Address)
	}
	controller := opts.Controller
	if cfg.Engine.Controller != "" {
		controller = common.HexToAddress(cfg.Engine.Controller)
	}
	tol, err := slippage.NewTolerance(uint64(cfg.Engine.SlippageBps))
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	w.Engine, err = engine.New(engine.Config{
		Address:    engineAddr,
		Controller: controller,
		VenueA:     w.VenueA,
		VenueB:     w.VenueB,
		Lender:     w.Pool,
		Ledger:     w.Ledger,
		Tolerance:  tol,
		Now:        now,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	return w, nil
}

func (w *World) seedPools(cfg *config.Config) error {
	for i, p := range cfg.Pools {
		venue := w.Venues[strings.ToLower(p.Venue)]
		if venue == nil {
			return fmt.Errorf("sim: pools[%d]: unknown venue %q", i, p.Venue)
		}
		tokenA, reserveA, err := w.amount(cfg, p.TokenA, p.ReserveA)
		if err != nil {
			return fmt.Errorf("sim: pools[%d]: %w", i, err)
		}
		tokenB, reserveB, err := w.amount(cfg, p.TokenB, p.ReserveB)
		if err != nil {
			return fmt.Errorf("sim: pools[%d]: %w", i, err)
		}
		if err := w.Ledger.Mint(tokenA, LiquidityProvider, reserveA); err != nil {
			return fmt.Errorf("sim: pools[%d]: %w", i, err)
		}
		if err := w.Ledger.Mint(tokenB, LiquidityProvider, reserveB); err != nil {
			return fmt.Errorf("sim: pools[%d]: %w", i, err)
		}
		if _, err := venue.AddLiquidity(LiquidityProvider, tokenA, tokenB, reserveA, reserveB); err != nil {
			return fmt.Errorf("sim: pools[%d]: %w", i, err)
		}
	}
	return nil
}

func (w *World) amount(cfg *config.Config, symbol, amount string) (common.Address, *uint256.Int, error) {
	t, ok := cfg.Token(symbol)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unknown token %q", symbol)
	}
	v, err := cfg.Amount(symbol, amount)
	if err != nil {
		return common.Address{}, nil, err
	}
	return common.HexToAddress(t.Address), v, nil
}

// Trade is a swap pushed through a venue by the noise trader.
type Trade struct {
	Venue     string
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
}

// Swap mints amountIn of tokenIn to the noise trader and sells it on venue.
// It moves that venue's price without touching the engine.
func (w *World) Swap(ctx context.Context, venue *amm.Router, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (Trade, error) {
	trade := Trade{Venue: venue.Name(), TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amountIn.Clone()}
	_, err := w.Ledger.Atomic(func() error {
		if err := w.Ledger.Mint(tokenIn, Trader, amountIn); err != nil {
			return err
		}
		w.Ledger.Approve(tokenIn, Trader, venue.Address(), amountIn)
		amounts, err := venue.SwapExactTokensForTokens(ctx, Trader, amountIn, new(uint256.Int),
			[]common.Address{tokenIn, tokenOut}, Trader, w.now().Add(time.Minute))
		if err != nil {
			return err
		}
		trade.AmountOut = amounts[len(amounts)-1]
		return nil
	})
	if err != nil {
		return Trade{}, fmt.Errorf("sim: swap on %s: %w", venue.Name(), err)
	}
	return trade, nil
}

// RandomSwap pushes a trade of a random size in [lo, hi] of base through
// venue, in a random direction. When quote is sold, the amount is the quote
// equivalent of the drawn base amount.
func (w *World) RandomSwap(ctx context.Context, rng *rand.Rand, venue *amm.Router, base, quote common.Address, lo, hi *uint256.Int) (Trade, error) {
	amount := lo.Clone()
	if hi.Gt(lo) {
		span := new(uint256.Int).Sub(hi, lo)
		scaled, overflow := new(uint256.Int).MulDivOverflow(span, uint256.NewInt(rng.Uint64()), twoPow64)
		if !overflow {
			amount.Add(amount, scaled)
		}
	}
	if rng.IntN(2) == 0 {
		return w.Swap(ctx, venue, base, quote, amount)
	}
	amounts, err := venue.SettledAmountsOut(ctx, amount, []common.Address{base, quote})
	if err != nil {
		return Trade{}, fmt.Errorf("sim: size trade: %w", err)
	}
	return w.Swap(ctx, venue, quote, base, amounts[1])
}

var twoPow64 = new(uint256.Int).Lsh(uint256.NewInt(1), 64)
